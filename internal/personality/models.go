package personality

import (
	"time"

	"gorm.io/datatypes"
)

// State source markers, set on every appended row.
const (
	SourceInit        = "init"
	SourceInteraction = "interaction"
	SourceDrift       = "drift"
)

// PAD is a pleasure/arousal/dominance triple, each dimension in [-1,1].
type PAD struct {
	Pleasure  float64 `json:"pleasure"`
	Arousal   float64 `json:"arousal"`
	Dominance float64 `json:"dominance"`
}

// BigFive are the trait dimensions, each in [0,1]. Written once at
// initialization and never mutated by any runtime path afterwards.
type BigFive struct {
	Openness          float64 `json:"openness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Neuroticism       float64 `json:"neuroticism"`
}

// State is one row of a user's personality history. Rows are append-only;
// exactly one row per user carries is_current=true at any time.
type State struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	UserID string `gorm:"size:64;not null;index:idx_states_user" json:"user_id"`

	IsCurrent bool `gorm:"not null;default:false;index:idx_states_current" json:"is_current"`

	BigFive  BigFive `gorm:"embedded" json:"big_five"`
	PAD      PAD     `gorm:"embedded;embeddedPrefix:pad_" json:"pad_state"`
	Baseline PAD     `gorm:"embedded;embeddedPrefix:baseline_" json:"pad_baseline"`

	EmotionLabel string `gorm:"size:32;not null" json:"emotion_label"`
	Source       string `gorm:"size:16;not null" json:"source"`
	Reason       string `gorm:"size:256" json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (State) TableName() string {
	return "personality_states"
}

// Quirk is a learned behavioral pattern with a reinforcement lifecycle:
// strength grows on reinforcement, decays when stale, and the quirk
// deactivates once strength falls below the floor.
type Quirk struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         string         `gorm:"size:64;not null;index:idx_quirks_user" json:"user_id"`
	Description    string         `gorm:"size:512;not null" json:"description"`
	Strength       float64        `gorm:"not null" json:"strength"`
	TimesExpressed int            `gorm:"not null;default:0" json:"times_expressed"`
	LastExpressed  time.Time      `json:"last_expressed"`
	IsActive       bool           `gorm:"not null;default:true;index:idx_quirks_active" json:"is_active"`
	Evidence       datatypes.JSON `json:"evidence,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Quirk) TableName() string {
	return "quirks"
}

// Need models a homeostatic drive: current_level climbs with elapsed time
// and resets partially toward baseline when satisfied.
type Need struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           string    `gorm:"size:64;not null;index:idx_needs_user_type,unique" json:"user_id"`
	NeedType         string    `gorm:"size:32;not null;index:idx_needs_user_type,unique" json:"need_type"`
	CurrentLevel     float64   `gorm:"not null" json:"current_level"`
	Baseline         float64   `gorm:"not null" json:"baseline"`
	DecayRate        float64   `gorm:"not null" json:"decay_rate"`
	TriggerThreshold float64   `gorm:"not null" json:"trigger_threshold"`
	LastSatisfied    time.Time `json:"last_satisfied"`
	LastUpdated      time.Time `json:"last_updated"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Need) TableName() string {
	return "needs"
}

// Snapshot is the consumer-facing personality view: the current state
// plus active quirks and needs.
type Snapshot struct {
	UserID       string    `json:"user_id"`
	BigFive      BigFive   `json:"big_five"`
	PAD          PAD       `json:"pad_state"`
	Baseline     PAD       `json:"pad_baseline"`
	EmotionLabel string    `json:"emotion_label"`
	Quirks       []Quirk   `json:"quirks"`
	Needs        []Need    `json:"needs"`
	UpdatedAt    time.Time `json:"updated_at"`
}
