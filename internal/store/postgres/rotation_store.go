package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/idaholion/cabinbuddy/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// RotationStore implements store.RotationStore using PostgreSQL. The turn
// pointer and the ledger increment of one transition commit in a single
// transaction, guarded by the version column; a version mismatch writes
// nothing.
type RotationStore struct {
	pool *pgxpool.Pool
}

// NewRotationStore creates a new PostgreSQL-backed rotation store.
// It shares the connection pool with other stores.
func NewRotationStore(pool *pgxpool.Pool) *RotationStore {
	return &RotationStore{
		pool: pool,
	}
}

// CreateRotationYear persists the rotation year and a zeroed ledger row per
// group in its order, atomically.
func (s *RotationStore) CreateRotationYear(ctx context.Context, year *models.RotationYear) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	query := `
		INSERT INTO rotation_years (
			org_id, year, rotation_order, secondary_enabled,
			primary_quota, secondary_quota,
			phase, active_group, rotation_index, version, draw_nonce,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12
		)
	`

	_, err = tx.Exec(ctx, query,
		year.OrgID,
		year.Year,
		year.Order,
		year.SecondaryEnabled,
		year.Quotas.Primary,
		year.Quotas.Secondary,
		string(year.Turn.Phase),
		year.Turn.ActiveGroup,
		year.Turn.RotationIndex,
		year.Turn.Version,
		year.Turn.DrawNonce,
		year.CreatedAt,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	ledger := &pgx.Batch{}
	for _, g := range year.Order {
		ledger.Queue(`
			INSERT INTO time_period_usage (org_id, year, group_id)
			VALUES ($1, $2, $3)
		`, year.OrgID, year.Year, g)
	}
	results := tx.SendBatch(ctx, ledger)
	for range year.Order {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return mapPostgresError(err)
		}
	}
	if err := results.Close(); err != nil {
		return mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(err)
	}

	log.Debug().
		Str("org_id", year.OrgID.String()).
		Int("year", year.Year).
		Int("groups", len(year.Order)).
		Msg("Created rotation year")

	return nil
}

// GetRotationYear retrieves a rotation year including its turn state.
func (s *RotationStore) GetRotationYear(ctx context.Context, org uuid.UUID, year int) (*models.RotationYear, error) {
	query := `
		SELECT org_id, year, rotation_order, secondary_enabled,
		       primary_quota, secondary_quota,
		       phase, active_group, rotation_index, version, draw_nonce,
		       created_at, updated_at
		FROM rotation_years
		WHERE org_id = $1 AND year = $2
	`

	var y models.RotationYear
	var phase string
	err := s.pool.QueryRow(ctx, query, org, year).Scan(
		&y.OrgID,
		&y.Year,
		&y.Order,
		&y.SecondaryEnabled,
		&y.Quotas.Primary,
		&y.Quotas.Secondary,
		&phase,
		&y.Turn.ActiveGroup,
		&y.Turn.RotationIndex,
		&y.Turn.Version,
		&y.Turn.DrawNonce,
		&y.CreatedAt,
		&y.Turn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrRotationYearNotFound
		}
		return nil, mapPostgresError(err)
	}

	y.Turn.OrgID = y.OrgID
	y.Turn.Year = y.Year
	y.Turn.Phase = models.Phase(phase)

	return &y, nil
}

// GetUsage returns the ledger rows for a rotation year keyed by group.
func (s *RotationStore) GetUsage(ctx context.Context, org uuid.UUID, year int) (map[uuid.UUID]*models.TimePeriodUsage, error) {
	if err := s.checkYearExists(ctx, org, year); err != nil {
		return nil, err
	}

	query := `
		SELECT group_id, primary_periods_used, secondary_periods_used
		FROM time_period_usage
		WHERE org_id = $1 AND year = $2
	`

	rows, err := s.pool.Query(ctx, query, org, year)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	usage := make(map[uuid.UUID]*models.TimePeriodUsage)
	for rows.Next() {
		var u models.TimePeriodUsage
		if err := rows.Scan(&u.GroupID, &u.PrimaryPeriodsUsed, &u.SecondaryPeriodsUsed); err != nil {
			return nil, mapPostgresError(err)
		}
		usage[u.GroupID] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return usage, nil
}

// CommitTransition writes the new turn state and the optional ledger
// increment in one transaction. The version predicate makes the write a
// compare-and-set: zero rows affected means another writer got there first.
func (s *RotationStore) CommitTransition(ctx context.Context, expectedVersion int64, state *models.TurnState, delta *store.UsageDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	query := `
		UPDATE rotation_years
		SET
			phase = $1,
			active_group = $2,
			rotation_index = $3,
			version = $4,
			draw_nonce = $5,
			updated_at = NOW()
		WHERE org_id = $6
		  AND year = $7
		  AND version = $8
	`

	result, err := tx.Exec(ctx, query,
		string(state.Phase),
		state.ActiveGroup,
		state.RotationIndex,
		state.Version,
		state.DrawNonce,
		state.OrgID,
		state.Year,
		expectedVersion,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		if err := s.checkYearExists(ctx, state.OrgID, state.Year); err != nil {
			return err
		}
		return store.ErrStaleVersion
	}

	if delta != nil {
		if err := applyUsageDelta(ctx, tx, state.OrgID, state.Year, delta); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPostgresError(err)
	}

	log.Debug().
		Str("org_id", state.OrgID.String()).
		Int("year", state.Year).
		Str("phase", string(state.Phase)).
		Int64("version", state.Version).
		Msg("Committed turn transition")

	return nil
}

// applyUsageDelta increments one ledger counter with its quota bound checked
// in the same statement. Ledger rows exist from year creation, so zero rows
// affected means the bound would be violated.
func applyUsageDelta(ctx context.Context, tx pgx.Tx, org uuid.UUID, year int, delta *store.UsageDelta) error {
	column := "primary_periods_used"
	if delta.Field == store.UsageSecondary {
		column = "secondary_periods_used"
	}

	query := fmt.Sprintf(`
		UPDATE time_period_usage
		SET %[1]s = %[1]s + $1, updated_at = NOW()
		WHERE org_id = $2
		  AND year = $3
		  AND group_id = $4
		  AND %[1]s + $1 >= 0
		  AND %[1]s + $1 <= $5
	`, column)

	result, err := tx.Exec(ctx, query,
		delta.Delta,
		org,
		year,
		delta.GroupID,
		delta.Limit,
	)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrQuotaExceeded
	}
	return nil
}

// ResetUsage zeroes all ledger counters for a rotation year.
func (s *RotationStore) ResetUsage(ctx context.Context, org uuid.UUID, year int) error {
	if err := s.checkYearExists(ctx, org, year); err != nil {
		return err
	}

	query := `
		UPDATE time_period_usage
		SET primary_periods_used = 0, secondary_periods_used = 0, updated_at = NOW()
		WHERE org_id = $1 AND year = $2
	`

	if _, err := s.pool.Exec(ctx, query, org, year); err != nil {
		return mapPostgresError(err)
	}

	log.Info().
		Str("org_id", org.String()).
		Int("year", year).
		Msg("Reset usage ledger")

	return nil
}

func (s *RotationStore) checkYearExists(ctx context.Context, org uuid.UUID, year int) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM rotation_years WHERE org_id = $1 AND year = $2)
	`, org, year).Scan(&exists)
	if err != nil {
		return mapPostgresError(err)
	}
	if !exists {
		return store.ErrRotationYearNotFound
	}
	return nil
}

var _ store.RotationStore = (*RotationStore)(nil)
