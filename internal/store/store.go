package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrOrganizationNotFound      = errors.New("organization not found")
	ErrOrganizationAlreadyExists = errors.New("organization already exists")
	ErrFamilyGroupNotFound       = errors.New("family group not found")
	ErrFamilyGroupAlreadyExists  = errors.New("family group already exists")
	ErrFamilyGroupInRotation     = errors.New("family group referenced by an open rotation year")
	ErrRotationYearNotFound      = errors.New("rotation year not found")
	ErrRotationYearAlreadyExists = errors.New("rotation year already exists")
	ErrStaleVersion              = errors.New("stale turn state version")
	ErrQuotaExceeded             = errors.New("usage increment exceeds quota")
)

// UsageField names a usage ledger counter.
type UsageField string

const (
	UsagePrimary   UsageField = "primary"
	UsageSecondary UsageField = "secondary"
)

// UsageDelta is a quota-bounded ledger increment committed together with a
// turn state write. Limit is the phase quota the incremented counter must not
// exceed; the store enforces it atomically with the increment.
type UsageDelta struct {
	GroupID uuid.UUID
	Field   UsageField
	Delta   int32
	Limit   int32
}

// RotationStore defines storage for rotation years, turn state and the usage
// ledger. One durable record per (org, year) holds the order and turn state;
// one record per (org, year, group) holds the ledger counters.
type RotationStore interface {
	// CreateRotationYear persists a new rotation year along with zeroed
	// ledger rows for every group in its order.
	// Returns ErrRotationYearAlreadyExists if the (org, year) pair exists.
	CreateRotationYear(ctx context.Context, year *models.RotationYear) error

	// GetRotationYear retrieves the rotation year including its turn state.
	// Returns ErrRotationYearNotFound if it doesn't exist.
	GetRotationYear(ctx context.Context, org uuid.UUID, year int) (*models.RotationYear, error)

	// GetUsage returns the ledger rows for a rotation year keyed by group.
	GetUsage(ctx context.Context, org uuid.UUID, year int) (map[uuid.UUID]*models.TimePeriodUsage, error)

	// CommitTransition atomically writes a new turn state plus an optional
	// ledger increment, guarded by the version the caller observed.
	// Returns ErrStaleVersion on a version mismatch and ErrQuotaExceeded if
	// the increment would push a counter past its limit; in either case
	// nothing is written.
	CommitTransition(ctx context.Context, expectedVersion int64, state *models.TurnState, delta *UsageDelta) error

	// ResetUsage zeroes all ledger counters for a rotation year. Destructive;
	// privilege enforcement is the caller's responsibility.
	ResetUsage(ctx context.Context, org uuid.UUID, year int) error
}

// OrganizationStore defines the interface for organization storage.
// Organizations are the tenant boundary and carry the allocation
// configuration the engine reads per call.
type OrganizationStore interface {
	// Create creates a new organization.
	// Returns ErrOrganizationAlreadyExists if the ID is already taken.
	Create(ctx context.Context, org *models.Organization) error

	// Get retrieves an organization by ID.
	// Returns ErrOrganizationNotFound if it doesn't exist.
	Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error)

	// Update updates an existing organization (e.g. switching the active
	// allocation model). Returns ErrOrganizationNotFound if it doesn't exist.
	Update(ctx context.Context, org *models.Organization) error
}

// FamilyGroupStore defines the interface for family group storage. Groups
// are soft-deleted; ledger rows referencing them are retained for audit and
// never reassigned.
type FamilyGroupStore interface {
	// Create creates a new family group.
	Create(ctx context.Context, group *models.FamilyGroup) error

	// Get retrieves a family group by ID within an organization.
	Get(ctx context.Context, orgID, groupID uuid.UUID) (*models.FamilyGroup, error)

	// ListByOrg returns the organization's groups, excluding soft-deleted
	// ones unless includeDeleted is set.
	ListByOrg(ctx context.Context, orgID uuid.UUID, includeDeleted bool) ([]*models.FamilyGroup, error)

	// SoftDelete marks a group deleted. The delete is rejected with
	// ErrFamilyGroupInRotation while the group appears in the order of any
	// rotation year that has not completed, so references never dangle.
	SoftDelete(ctx context.Context, orgID, groupID uuid.UUID) error
}
