package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/idaholion/cabinbuddy/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// OrganizationStore implements store.OrganizationStore using PostgreSQL.
type OrganizationStore struct {
	pool *pgxpool.Pool
}

// NewOrganizationStore creates a new PostgreSQL-backed organization store.
func NewOrganizationStore(pool *pgxpool.Pool) *OrganizationStore {
	return &OrganizationStore{
		pool: pool,
	}
}

// Create creates a new organization.
func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (
			org_id, name, allocation_model, secondary_selection,
			primary_quota, secondary_quota, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $7
		)
	`

	_, err := s.pool.Exec(ctx, query,
		org.OrgID,
		org.Name,
		string(org.AllocationModel),
		org.SecondarySelection,
		org.PrimaryQuota,
		org.SecondaryQuota,
		org.CreatedAt,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Str("allocation_model", string(org.AllocationModel)).
		Msg("Created organization")

	return nil
}

// Get retrieves an organization by ID.
func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	query := `
		SELECT org_id, name, allocation_model, secondary_selection,
		       primary_quota, secondary_quota, created_at, updated_at
		FROM organizations
		WHERE org_id = $1
	`

	var org models.Organization
	var model string
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&org.OrgID,
		&org.Name,
		&model,
		&org.SecondarySelection,
		&org.PrimaryQuota,
		&org.SecondaryQuota,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, mapPostgresError(err)
	}

	org.AllocationModel = models.AllocationModel(model)

	return &org, nil
}

// Update updates an existing organization.
func (s *OrganizationStore) Update(ctx context.Context, org *models.Organization) error {
	query := `
		UPDATE organizations
		SET
			name = $1,
			allocation_model = $2,
			secondary_selection = $3,
			primary_quota = $4,
			secondary_quota = $5,
			updated_at = NOW()
		WHERE org_id = $6
	`

	result, err := s.pool.Exec(ctx, query,
		org.Name,
		string(org.AllocationModel),
		org.SecondarySelection,
		org.PrimaryQuota,
		org.SecondaryQuota,
		org.OrgID,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	return nil
}

var _ store.OrganizationStore = (*OrganizationStore)(nil)
