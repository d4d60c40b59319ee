package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
)

type groupKey struct {
	org   uuid.UUID
	group uuid.UUID
}

// MemoryFamilyGroupStore implements FamilyGroupStore using in-memory storage.
// It holds a reference to the rotation store so soft deletes can be rejected
// while a group is still referenced by an open rotation year.
type MemoryFamilyGroupStore struct {
	mu sync.RWMutex

	groups    map[groupKey]*models.FamilyGroup
	rotations *MemoryRotationStore
}

// NewMemoryFamilyGroupStore creates a new in-memory family group store.
func NewMemoryFamilyGroupStore(rotations *MemoryRotationStore) *MemoryFamilyGroupStore {
	return &MemoryFamilyGroupStore{
		groups:    make(map[groupKey]*models.FamilyGroup),
		rotations: rotations,
	}
}

// Create creates a new family group in memory.
func (s *MemoryFamilyGroupStore) Create(ctx context.Context, group *models.FamilyGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey{org: group.OrgID, group: group.GroupID}
	if _, exists := s.groups[key]; exists {
		return ErrFamilyGroupAlreadyExists
	}

	clone := *group
	s.groups[key] = &clone

	return nil
}

// Get retrieves a family group by ID.
func (s *MemoryFamilyGroupStore) Get(ctx context.Context, orgID, groupID uuid.UUID) (*models.FamilyGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, exists := s.groups[groupKey{org: orgID, group: groupID}]
	if !exists {
		return nil, ErrFamilyGroupNotFound
	}

	clone := *g
	return &clone, nil
}

// ListByOrg returns the organization's groups.
func (s *MemoryFamilyGroupStore) ListByOrg(ctx context.Context, orgID uuid.UUID, includeDeleted bool) ([]*models.FamilyGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.FamilyGroup
	for key, g := range s.groups {
		if key.org != orgID {
			continue
		}
		if g.Deleted() && !includeDeleted {
			continue
		}
		clone := *g
		result = append(result, &clone)
	}
	return result, nil
}

// SoftDelete marks a group deleted. Rejected while the group is referenced
// by a rotation year that has not completed.
func (s *MemoryFamilyGroupStore) SoftDelete(ctx context.Context, orgID, groupID uuid.UUID) error {
	if s.rotations != nil && s.rotations.referencedByOpenYear(orgID, groupID) {
		return ErrFamilyGroupInRotation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, exists := s.groups[groupKey{org: orgID, group: groupID}]
	if !exists {
		return ErrFamilyGroupNotFound
	}
	if g.Deleted() {
		return nil
	}

	now := time.Now()
	g.DeletedAt = &now
	g.UpdatedAt = now

	return nil
}
