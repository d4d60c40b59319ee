package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
)

type yearKey struct {
	org  uuid.UUID
	year int
}

// MemoryRotationStore implements RotationStore using in-memory storage.
// This implementation is for testing and development only - data is lost on
// restart.
type MemoryRotationStore struct {
	mu sync.RWMutex

	years map[yearKey]*models.RotationYear
	usage map[yearKey]map[uuid.UUID]*models.TimePeriodUsage
}

// NewMemoryRotationStore creates a new in-memory rotation store.
func NewMemoryRotationStore() *MemoryRotationStore {
	return &MemoryRotationStore{
		years: make(map[yearKey]*models.RotationYear),
		usage: make(map[yearKey]map[uuid.UUID]*models.TimePeriodUsage),
	}
}

// CreateRotationYear persists a rotation year and zeroed ledger rows.
func (s *MemoryRotationStore) CreateRotationYear(ctx context.Context, year *models.RotationYear) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := yearKey{org: year.OrgID, year: year.Year}
	if _, exists := s.years[key]; exists {
		return ErrRotationYearAlreadyExists
	}

	s.years[key] = cloneRotationYear(year)

	ledger := make(map[uuid.UUID]*models.TimePeriodUsage, len(year.Order))
	for _, g := range year.Order {
		ledger[g] = &models.TimePeriodUsage{GroupID: g}
	}
	s.usage[key] = ledger

	return nil
}

// GetRotationYear retrieves a rotation year by (org, year).
func (s *MemoryRotationStore) GetRotationYear(ctx context.Context, org uuid.UUID, year int) (*models.RotationYear, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	y, exists := s.years[yearKey{org: org, year: year}]
	if !exists {
		return nil, ErrRotationYearNotFound
	}
	return cloneRotationYear(y), nil
}

// GetUsage returns the ledger rows for a rotation year.
func (s *MemoryRotationStore) GetUsage(ctx context.Context, org uuid.UUID, year int) (map[uuid.UUID]*models.TimePeriodUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger, exists := s.usage[yearKey{org: org, year: year}]
	if !exists {
		return nil, ErrRotationYearNotFound
	}

	out := make(map[uuid.UUID]*models.TimePeriodUsage, len(ledger))
	for g, u := range ledger {
		clone := *u
		out[g] = &clone
	}
	return out, nil
}

// CommitTransition applies a turn state write plus an optional ledger
// increment under the version guard. All-or-nothing.
func (s *MemoryRotationStore) CommitTransition(ctx context.Context, expectedVersion int64, state *models.TurnState, delta *UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := yearKey{org: state.OrgID, year: state.Year}
	y, exists := s.years[key]
	if !exists {
		return ErrRotationYearNotFound
	}

	if y.Turn.Version != expectedVersion {
		return ErrStaleVersion
	}

	if delta != nil {
		u, ok := s.usage[key][delta.GroupID]
		if !ok {
			u = &models.TimePeriodUsage{GroupID: delta.GroupID}
			s.usage[key][delta.GroupID] = u
		}
		switch delta.Field {
		case UsageSecondary:
			if u.SecondaryPeriodsUsed+delta.Delta > delta.Limit || u.SecondaryPeriodsUsed+delta.Delta < 0 {
				return ErrQuotaExceeded
			}
			u.SecondaryPeriodsUsed += delta.Delta
		default:
			if u.PrimaryPeriodsUsed+delta.Delta > delta.Limit || u.PrimaryPeriodsUsed+delta.Delta < 0 {
				return ErrQuotaExceeded
			}
			u.PrimaryPeriodsUsed += delta.Delta
		}
	}

	next := *state
	next.UpdatedAt = time.Now()
	if state.ActiveGroup != nil {
		g := *state.ActiveGroup
		next.ActiveGroup = &g
	}
	y.Turn = next

	return nil
}

// ResetUsage zeroes all counters for a rotation year.
func (s *MemoryRotationStore) ResetUsage(ctx context.Context, org uuid.UUID, year int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := yearKey{org: org, year: year}
	ledger, exists := s.usage[key]
	if !exists {
		return ErrRotationYearNotFound
	}

	for _, u := range ledger {
		u.PrimaryPeriodsUsed = 0
		u.SecondaryPeriodsUsed = 0
	}
	return nil
}

// referencedByOpenYear reports whether the group appears in the order of any
// rotation year that has not completed. Used by the family group store to
// reject deletes that would leave dangling references.
func (s *MemoryRotationStore) referencedByOpenYear(org, group uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, y := range s.years {
		if key.org != org || y.Turn.Phase == models.PhaseCompleted {
			continue
		}
		if y.Contains(group) {
			return true
		}
	}
	return false
}

// cloneRotationYear deep-copies a rotation year to avoid external
// modifications of shared state.
func cloneRotationYear(y *models.RotationYear) *models.RotationYear {
	clone := *y
	clone.Order = make([]uuid.UUID, len(y.Order))
	copy(clone.Order, y.Order)
	if y.Turn.ActiveGroup != nil {
		g := *y.Turn.ActiveGroup
		clone.Turn.ActiveGroup = &g
	}
	return &clone
}
