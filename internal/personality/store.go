package personality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lyra-core/internal/lyraerr"
)

// Store persists personality rows. Every read and write is scoped by
// user_id.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Current returns the user's current state row. ErrNotFound when the user
// was never initialized; a ConsistencyError when more than one current
// row exists, which indicates a serialization bug and is never healed
// silently.
func (s *Store) Current(ctx context.Context, userID string) (*State, error) {
	var states []State
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_current = ?", userID, true).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("load current state for %s: %w", userID, err)
	}

	switch len(states) {
	case 0:
		return nil, lyraerr.NotFound("personality state", userID)
	case 1:
		return &states[0], nil
	default:
		return nil, lyraerr.Consistency(userID, fmt.Sprintf("%d personality rows marked current", len(states)))
	}
}

// AppendCurrent demotes the prior current row and inserts next as the new
// current one in a single transaction, so a failure leaves the prior row
// current and no partial state visible.
func (s *Store) AppendCurrent(ctx context.Context, next *State) error {
	next.IsCurrent = true
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&State{}).
			Where("user_id = ? AND is_current = ?", next.UserID, true).
			Update("is_current", false).Error
		if err != nil {
			return fmt.Errorf("demote current state for %s: %w", next.UserID, err)
		}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("insert state for %s: %w", next.UserID, err)
		}
		return nil
	})
}

// InteractionHistory returns interaction-sourced state rows since the
// given time, newest first. Drift and init rows are excluded so baseline
// drift averages only what the user actually experienced.
func (s *Store) InteractionHistory(ctx context.Context, userID string, since time.Time) ([]State, error) {
	var states []State
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND source = ? AND created_at >= ?", userID, SourceInteraction, since).
		Order("created_at DESC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("load interaction history for %s: %w", userID, err)
	}
	return states, nil
}

// UserIDs lists every user that has a current personality row.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&State{}).
		Where("is_current = ?", true).
		Distinct().
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return ids, nil
}

// ActiveQuirks returns the user's active quirks, strongest first.
func (s *Store) ActiveQuirks(ctx context.Context, userID string) ([]Quirk, error) {
	var quirks []Quirk
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("strength DESC").
		Find(&quirks).Error
	if err != nil {
		return nil, fmt.Errorf("load quirks for %s: %w", userID, err)
	}
	return quirks, nil
}

// SaveQuirk inserts or updates one quirk.
func (s *Store) SaveQuirk(ctx context.Context, q *Quirk) error {
	if err := s.db.WithContext(ctx).Save(q).Error; err != nil {
		return fmt.Errorf("save quirk %q for %s: %w", q.Description, q.UserID, err)
	}
	return nil
}

// Needs returns all of a user's needs.
func (s *Store) Needs(ctx context.Context, userID string) ([]Need, error) {
	var needs []Need
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("need_type").
		Find(&needs).Error
	if err != nil {
		return nil, fmt.Errorf("load needs for %s: %w", userID, err)
	}
	return needs, nil
}

// NeedByType returns one need row, or ErrNotFound.
func (s *Store) NeedByType(ctx context.Context, userID, needType string) (*Need, error) {
	var need Need
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND need_type = ?", userID, needType).
		First(&need).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, lyraerr.NotFound("need", fmt.Sprintf("%s/%s", userID, needType))
	}
	if err != nil {
		return nil, fmt.Errorf("load need %s for %s: %w", needType, userID, err)
	}
	return &need, nil
}

// SaveNeed inserts or updates one need.
func (s *Store) SaveNeed(ctx context.Context, n *Need) error {
	if err := s.db.WithContext(ctx).Save(n).Error; err != nil {
		return fmt.Errorf("save need %s for %s: %w", n.NeedType, n.UserID, err)
	}
	return nil
}

// CreateNeeds bulk-inserts seed needs for a new user.
func (s *Store) CreateNeeds(ctx context.Context, needs []Need) error {
	if len(needs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&needs).Error; err != nil {
		return fmt.Errorf("seed needs for %s: %w", needs[0].UserID, err)
	}
	return nil
}

// DeleteUser removes every personality row a user has. Admin purge only.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&State{}, &Quirk{}, &Need{}} {
			if err := tx.Where("user_id = ?", userID).Delete(model).Error; err != nil {
				return fmt.Errorf("purge personality rows for %s: %w", userID, err)
			}
		}
		return nil
	})
}
