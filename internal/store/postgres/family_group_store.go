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

// FamilyGroupStore implements store.FamilyGroupStore using PostgreSQL.
// Groups are soft-deleted so ledger rows that reference them stay readable.
type FamilyGroupStore struct {
	pool *pgxpool.Pool
}

// NewFamilyGroupStore creates a new PostgreSQL-backed family group store.
func NewFamilyGroupStore(pool *pgxpool.Pool) *FamilyGroupStore {
	return &FamilyGroupStore{
		pool: pool,
	}
}

// Create creates a new family group.
func (s *FamilyGroupStore) Create(ctx context.Context, group *models.FamilyGroup) error {
	query := `
		INSERT INTO family_groups (
			group_id, org_id, name, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $4
		)
	`

	_, err := s.pool.Exec(ctx, query,
		group.GroupID,
		group.OrgID,
		group.Name,
		group.CreatedAt,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().
		Str("group_id", group.GroupID.String()).
		Str("org_id", group.OrgID.String()).
		Msg("Created family group")

	return nil
}

// Get retrieves a family group by ID within an organization.
func (s *FamilyGroupStore) Get(ctx context.Context, orgID, groupID uuid.UUID) (*models.FamilyGroup, error) {
	query := `
		SELECT group_id, org_id, name, created_at, updated_at, deleted_at
		FROM family_groups
		WHERE org_id = $1 AND group_id = $2
	`

	var group models.FamilyGroup
	err := s.pool.QueryRow(ctx, query, orgID, groupID).Scan(
		&group.GroupID,
		&group.OrgID,
		&group.Name,
		&group.CreatedAt,
		&group.UpdatedAt,
		&group.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrFamilyGroupNotFound
		}
		return nil, mapPostgresError(err)
	}

	return &group, nil
}

// ListByOrg returns the organization's groups, excluding soft-deleted ones
// unless includeDeleted is set.
func (s *FamilyGroupStore) ListByOrg(ctx context.Context, orgID uuid.UUID, includeDeleted bool) ([]*models.FamilyGroup, error) {
	query := `
		SELECT group_id, org_id, name, created_at, updated_at, deleted_at
		FROM family_groups
		WHERE org_id = $1
		  AND ($2 OR deleted_at IS NULL)
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query, orgID, includeDeleted)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var groups []*models.FamilyGroup
	for rows.Next() {
		var group models.FamilyGroup
		if err := rows.Scan(
			&group.GroupID,
			&group.OrgID,
			&group.Name,
			&group.CreatedAt,
			&group.UpdatedAt,
			&group.DeletedAt,
		); err != nil {
			return nil, mapPostgresError(err)
		}
		groups = append(groups, &group)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return groups, nil
}

// SoftDelete marks a group deleted. The guard in the WHERE clause rejects the
// delete while any non-completed rotation year still lists the group in its
// order, so turn state never points at a deleted group.
func (s *FamilyGroupStore) SoftDelete(ctx context.Context, orgID, groupID uuid.UUID) error {
	query := `
		UPDATE family_groups
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE org_id = $1
		  AND group_id = $2
		  AND deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM rotation_years ry
			WHERE ry.org_id = $1
			  AND ry.phase <> 'completed'
			  AND $2 = ANY (ry.rotation_order)
		  )
	`

	result, err := s.pool.Exec(ctx, query, orgID, groupID)
	if err != nil {
		return mapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		// Zero rows means missing, already deleted, or blocked by an open
		// rotation year. Disambiguate with a follow-up read.
		group, err := s.Get(ctx, orgID, groupID)
		if err != nil {
			return err
		}
		if group.Deleted() {
			return nil
		}
		return store.ErrFamilyGroupInRotation
	}

	log.Info().
		Str("group_id", groupID.String()).
		Str("org_id", orgID.String()).
		Msg("Soft-deleted family group")

	return nil
}

var _ store.FamilyGroupStore = (*FamilyGroupStore)(nil)
