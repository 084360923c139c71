package consolidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lyra-core/internal/lyraerr"
)

// Run states. A run is born running and ends completed or failed; there is
// no other transition.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Conflict states. Consolidation only ever writes pending; resolution is a
// human (or downstream) decision through the API.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
	ConflictIgnored  = "ignored"
)

// Run is the persisted job history of one per-user consolidation pass.
// IDs are ULIDs so the primary key sorts by start time.
type Run struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"`
	UserID string `gorm:"size:64;not null;index:idx_runs_user" json:"user_id"`
	Status string `gorm:"size:16;not null" json:"status"`

	EpisodicsExamined int `gorm:"not null;default:0" json:"episodics_examined"`
	ClustersFormed    int `gorm:"not null;default:0" json:"clusters_formed"`
	SemanticsCreated  int `gorm:"not null;default:0" json:"semantics_created"`
	ConflictsFlagged  int `gorm:"not null;default:0" json:"conflicts_flagged"`

	Error string `gorm:"size:512" json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (Run) TableName() string {
	return "consolidation_runs"
}

// MemoryConflict flags two memories that appear to contradict each other.
// MemoryID2 carries either a memory id or a trait marker
// ("trait:extraversion") when a semantic memory contradicts what the
// user's fixed Big Five profile implies.
type MemoryConflict struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	UserID       string  `gorm:"size:64;not null;index:idx_conflicts_user" json:"user_id"`
	MemoryID1    string  `gorm:"size:64;not null" json:"memory_id_1"`
	MemoryID2    string  `gorm:"size:64;not null" json:"memory_id_2"`
	ConflictType string  `gorm:"size:32;not null" json:"conflict_type"`
	Confidence   float64 `gorm:"not null" json:"confidence"`
	Status       string  `gorm:"size:16;not null;default:pending" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MemoryConflict) TableName() string {
	return "memory_conflicts"
}

// Store persists run history and conflicts.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateRun inserts the initial running row.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun writes the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns a user's latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	var runs []Run
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("load runs for %s: %w", userID, err)
	}
	return runs, nil
}

// CreateConflict records one pending conflict.
func (s *Store) CreateConflict(ctx context.Context, c *MemoryConflict) error {
	if c.Status == "" {
		c.Status = ConflictPending
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create conflict for %s: %w", c.UserID, err)
	}
	return nil
}

// ConflictExists reports whether the pair is already flagged, in either
// order, so repeated runs do not duplicate rows.
func (s *Store) ConflictExists(ctx context.Context, userID, id1, id2 string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&MemoryConflict{}).
		Where("user_id = ? AND ((memory_id_1 = ? AND memory_id_2 = ?) OR (memory_id_1 = ? AND memory_id_2 = ?))",
			userID, id1, id2, id2, id1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check conflict for %s: %w", userID, err)
	}
	return count > 0, nil
}

// Conflicts lists a user's conflicts, optionally filtered by status.
func (s *Store) Conflicts(ctx context.Context, userID, status string) ([]MemoryConflict, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var conflicts []MemoryConflict
	if err := q.Order("created_at DESC").Find(&conflicts).Error; err != nil {
		return nil, fmt.Errorf("load conflicts for %s: %w", userID, err)
	}
	return conflicts, nil
}

// UpdateConflictStatus moves one conflict to resolved or ignored. Scoped by
// user so one tenant cannot touch another's rows.
func (s *Store) UpdateConflictStatus(ctx context.Context, userID string, id uint, status string) (*MemoryConflict, error) {
	if status != ConflictResolved && status != ConflictIgnored && status != ConflictPending {
		return nil, lyraerr.Validation("status", "must be pending, resolved or ignored")
	}

	var conflict MemoryConflict
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		First(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, lyraerr.NotFound("conflict", fmt.Sprintf("%s/%d", userID, id))
	}
	if err != nil {
		return nil, fmt.Errorf("load conflict %d for %s: %w", id, userID, err)
	}

	conflict.Status = status
	if err := s.db.WithContext(ctx).Save(&conflict).Error; err != nil {
		return nil, fmt.Errorf("update conflict %d for %s: %w", id, userID, err)
	}
	return &conflict, nil
}

// DeleteUser removes a user's run history and conflicts. Admin purge only.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&Run{}, &MemoryConflict{}} {
			if err := tx.Where("user_id = ?", userID).Delete(model).Error; err != nil {
				return fmt.Errorf("purge consolidation rows for %s: %w", userID, err)
			}
		}
		return nil
	})
}
