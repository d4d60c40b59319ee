package rotation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/allocation"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/idaholion/cabinbuddy/internal/store"
	"github.com/idaholion/cabinbuddy/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultIdempotencyTTL = 24 * time.Hour

// ClaimRequest carries one turn claim. Group identity is trusted: the caller
// is the authentication collaborator. RequestedPeriods is supplied by the
// calendar subsystem; the engine validates quota and turn eligibility only.
type ClaimRequest struct {
	OrgID            uuid.UUID
	Year             int
	GroupID          uuid.UUID
	RequestedPeriods int32
	IdempotencyToken string
	ExpectedVersion  int64
}

// Config wires the engine's collaborators.
type Config struct {
	// Hooks for strategies that defer to external data (static_weeks week
	// ownership, manual admin approval).
	Hooks allocation.Hooks

	// Notifier receives turn-change events. Defaults to LogNotifier.
	Notifier Notifier

	// IdempotencyTTL bounds how long claim results are replayable.
	IdempotencyTTL time.Duration
}

// Engine is the selection session controller: it serializes every mutating
// turn operation per (org, year) key, replays idempotent claims, runs the
// turn state machine against the active allocation model, and emits turn
// notifications after the lock is released.
type Engine struct {
	rotations store.RotationStore
	orgs      store.OrganizationStore
	groups    store.FamilyGroupStore
	hooks     allocation.Hooks
	notifier  Notifier

	mu    sync.Mutex
	locks map[yearKey]*sync.Mutex

	idemMu  sync.Mutex
	idem    map[string]*claimRecord
	idemTTL time.Duration

	// Lifecycle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type yearKey struct {
	org  uuid.UUID
	year int
}

type claimRecord struct {
	group    uuid.UUID
	periods  int32
	state    models.TurnState
	storedAt time.Time
}

// NewEngine creates a rotation engine over the given stores.
func NewEngine(rotations store.RotationStore, orgs store.OrganizationStore, groups store.FamilyGroupStore, cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	return &Engine{
		rotations: rotations,
		orgs:      orgs,
		groups:    groups,
		hooks:     cfg.Hooks,
		notifier:  notifier,
		locks:     make(map[yearKey]*sync.Mutex),
		idem:      make(map[string]*claimRecord),
		idemTTL:   ttl,
		stopCh:    make(chan struct{}),
	}
}

// Start begins background cleanup of expired idempotency records.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.cleanupExpired()
	}()
	return nil
}

// Stop shuts down background tasks.
func (e *Engine) Stop() error {
	close(e.stopCh)
	e.wg.Wait()
	return nil
}

func (e *Engine) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-e.idemTTL)
			e.idemMu.Lock()
			for token, rec := range e.idem {
				if rec.storedAt.Before(cutoff) {
					delete(e.idem, token)
				}
			}
			e.idemMu.Unlock()
		case <-e.stopCh:
			return
		}
	}
}

// lockFor returns the mutex serializing mutations for one (org, year) key.
// Different keys proceed in parallel.
func (e *Engine) lockFor(org uuid.UUID, year int) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := yearKey{org: org, year: year}
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	return mu
}

// StartRotationYear validates the order against the organization's active
// family groups, persists the rotation year (quotas snapshotted from the
// organization) and activates the first group of the primary phase.
func (e *Engine) StartRotationYear(ctx context.Context, orgID uuid.UUID, year int, order []uuid.UUID) (_ *models.RotationYear, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Engine.StartRotationYear",
		trace.WithAttributes(attribute.String("org_id", orgID.String()), attribute.Int("year", year)))
	defer func() { endSpan(span, err) }()

	mu := e.lockFor(orgID, year)
	mu.Lock()
	y, ev, err := e.startLocked(ctx, orgID, year, order)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.dispatch(ctx, ev)
	return y, nil
}

func (e *Engine) startLocked(ctx context.Context, orgID uuid.UUID, year int, order []uuid.UUID) (*models.RotationYear, *TurnEvent, error) {
	org, err := e.orgs.Get(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}

	if err := e.validateOrder(ctx, orgID, order); err != nil {
		return nil, nil, err
	}

	y, err := e.rotations.GetRotationYear(ctx, orgID, year)
	switch {
	case errors.Is(err, store.ErrRotationYearNotFound):
		y = &models.RotationYear{
			OrgID:            orgID,
			Year:             year,
			Order:            order,
			SecondaryEnabled: org.SecondarySelection,
			Quotas:           org.Quotas(),
			Turn: models.TurnState{
				OrgID:   orgID,
				Year:    year,
				Phase:   models.PhaseNotStarted,
				Version: 1,
			},
			CreatedAt: time.Now(),
		}
		if err := e.rotations.CreateRotationYear(ctx, y); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	default:
		// A year that was created but never activated may be retried, but
		// only with the order originally submitted. Silently starting the
		// stored order would hand the caller a rotation it never sent.
		if y.Turn.Phase == models.PhaseNotStarted && !slices.Equal(y.Order, order) {
			return nil, nil, fmt.Errorf("%w: order differs from the stored rotation order", ErrInvalidRotationOrder)
		}
	}

	tr, err := startTransition(y, newDrawNonce())
	if err != nil {
		return nil, nil, err
	}

	if err := e.commit(ctx, y.Turn.Version, tr); err != nil {
		return nil, nil, err
	}
	y.Turn = tr.state

	telemetry.GetMetrics().RotationYearsStartedTotal.Add(ctx, 1, modelAttr(org.AllocationModel))
	log.Info().
		Str("org_id", orgID.String()).
		Int("year", year).
		Int("groups", len(order)).
		Str("model", string(org.AllocationModel)).
		Msg("Started rotation year")

	return y, tr.event, nil
}

// validateOrder enforces the permutation invariant: non-empty, no
// duplicates, and the set equals the organization's active family groups.
func (e *Engine) validateOrder(ctx context.Context, orgID uuid.UUID, order []uuid.UUID) error {
	if len(order) == 0 {
		return fmt.Errorf("%w: order is empty", ErrInvalidRotationOrder)
	}

	seen := make(map[uuid.UUID]bool, len(order))
	for _, g := range order {
		if seen[g] {
			return fmt.Errorf("%w: duplicate group %s", ErrInvalidRotationOrder, g)
		}
		seen[g] = true
	}

	active, err := e.groups.ListByOrg(ctx, orgID, false)
	if err != nil {
		return err
	}
	if len(active) != len(order) {
		return fmt.Errorf("%w: order has %d group(s), organization has %d active", ErrInvalidRotationOrder, len(order), len(active))
	}
	for _, g := range active {
		if !seen[g.GroupID] {
			return fmt.Errorf("%w: active group %s missing from order", ErrInvalidRotationOrder, g.GroupID)
		}
	}
	return nil
}

// GetTurnState returns the rotation year with its current turn state.
// Read-only and unlocked.
func (e *Engine) GetTurnState(ctx context.Context, orgID uuid.UUID, year int) (*models.RotationYear, error) {
	return e.rotations.GetRotationYear(ctx, orgID, year)
}

// GetUsage returns the usage ledger for a rotation year keyed by group.
func (e *Engine) GetUsage(ctx context.Context, orgID uuid.UUID, year int) (map[uuid.UUID]*models.TimePeriodUsage, error) {
	return e.rotations.GetUsage(ctx, orgID, year)
}

// ClaimTurn records a claim for the requesting group: quota and turn
// eligibility are validated under the active allocation model, the ledger
// increment and turn advance commit atomically, and a repeated submission
// with the same idempotency token replays the original result without
// touching the ledger again.
func (e *Engine) ClaimTurn(ctx context.Context, req ClaimRequest) (_ *models.TurnState, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Engine.ClaimTurn",
		trace.WithAttributes(
			attribute.String("org_id", req.OrgID.String()),
			attribute.Int("year", req.Year),
			attribute.String("group_id", req.GroupID.String()),
		))
	defer func() { endSpan(span, err) }()

	started := time.Now()

	mu := e.lockFor(req.OrgID, req.Year)
	mu.Lock()
	st, ev, err := e.claimLocked(ctx, req)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	telemetry.GetMetrics().ClaimDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	e.dispatch(ctx, ev)
	return st, nil
}

func (e *Engine) claimLocked(ctx context.Context, req ClaimRequest) (*models.TurnState, *TurnEvent, error) {
	if req.RequestedPeriods <= 0 {
		return nil, nil, ErrInvalidPeriods
	}

	m := telemetry.GetMetrics()

	if req.IdempotencyToken != "" {
		if rec := e.lookupClaim(req); rec != nil {
			if rec.group != req.GroupID || rec.periods != req.RequestedPeriods {
				return nil, nil, ErrIdempotencyConflict
			}
			m.IdempotentReplaysTotal.Add(ctx, 1)
			state := rec.state
			return &state, nil, nil
		}
	}

	y, err := e.rotations.GetRotationYear(ctx, req.OrgID, req.Year)
	if err != nil {
		return nil, nil, err
	}
	if req.ExpectedVersion != y.Turn.Version {
		m.StaleConflictsTotal.Add(ctx, 1)
		return nil, nil, ErrStaleState
	}

	org, err := e.orgs.Get(ctx, req.OrgID)
	if err != nil {
		return nil, nil, err
	}
	strat, err := allocation.ForName(org.AllocationModel, e.hooks)
	if err != nil {
		return nil, nil, err
	}

	usage, err := e.rotations.GetUsage(ctx, req.OrgID, req.Year)
	if err != nil {
		return nil, nil, err
	}

	tr, err := claimTransition(ctx, y, usage, strat, req.GroupID, req.RequestedPeriods, newDrawNonce)
	if err != nil {
		m.ClaimRejectionsTotal.Add(ctx, 1, modelAttr(org.AllocationModel))
		return nil, nil, err
	}

	if err := e.commit(ctx, req.ExpectedVersion, tr); err != nil {
		return nil, nil, err
	}

	if req.IdempotencyToken != "" {
		e.storeClaim(req, tr.state)
	}

	m.ClaimsTotal.Add(ctx, 1, modelAttr(org.AllocationModel))
	if tr.state.Phase != y.Turn.Phase {
		m.PhasesCompletedTotal.Add(ctx, 1)
	}
	log.Info().
		Str("org_id", req.OrgID.String()).
		Int("year", req.Year).
		Str("group_id", req.GroupID.String()).
		Int32("periods", req.RequestedPeriods).
		Str("phase", string(tr.state.Phase)).
		Int64("version", tr.state.Version).
		Msg("Claimed turn")

	return &tr.state, tr.event, nil
}

// AdvanceTurn forcibly moves the turn to the model's next selector without a
// claim, e.g. when a scheduler skips a non-responding group. With
// expectedVersion zero the engine reads the current version itself and
// retries a stale conflict once, the only sanctioned automatic retry.
func (e *Engine) AdvanceTurn(ctx context.Context, orgID uuid.UUID, year int, expectedVersion int64) (*models.TurnState, error) {
	if expectedVersion > 0 {
		return e.advanceOnce(ctx, orgID, year, expectedVersion)
	}

	op := func() (*models.TurnState, error) {
		st, err := e.advanceOnce(ctx, orgID, year, 0)
		if err != nil {
			if errors.Is(err, ErrStaleState) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return st, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(25*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
}

func (e *Engine) advanceOnce(ctx context.Context, orgID uuid.UUID, year int, expectedVersion int64) (_ *models.TurnState, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Engine.AdvanceTurn",
		trace.WithAttributes(attribute.String("org_id", orgID.String()), attribute.Int("year", year)))
	defer func() { endSpan(span, err) }()

	mu := e.lockFor(orgID, year)
	mu.Lock()
	st, ev, err := e.advanceLocked(ctx, orgID, year, expectedVersion)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.dispatch(ctx, ev)
	return st, nil
}

func (e *Engine) advanceLocked(ctx context.Context, orgID uuid.UUID, year int, expectedVersion int64) (*models.TurnState, *TurnEvent, error) {
	m := telemetry.GetMetrics()

	y, err := e.rotations.GetRotationYear(ctx, orgID, year)
	if err != nil {
		return nil, nil, err
	}
	if expectedVersion == 0 {
		expectedVersion = y.Turn.Version
	}
	if expectedVersion != y.Turn.Version {
		m.StaleConflictsTotal.Add(ctx, 1)
		return nil, nil, ErrStaleState
	}

	org, err := e.orgs.Get(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	strat, err := allocation.ForName(org.AllocationModel, e.hooks)
	if err != nil {
		return nil, nil, err
	}

	usage, err := e.rotations.GetUsage(ctx, orgID, year)
	if err != nil {
		return nil, nil, err
	}

	tr, err := advanceTransition(y, usage, strat, newDrawNonce)
	if err != nil {
		return nil, nil, err
	}

	if err := e.commit(ctx, expectedVersion, tr); err != nil {
		return nil, nil, err
	}

	m.AdvancesTotal.Add(ctx, 1, modelAttr(org.AllocationModel))
	if tr.state.Phase != y.Turn.Phase {
		m.PhasesCompletedTotal.Add(ctx, 1)
	}
	log.Info().
		Str("org_id", orgID.String()).
		Int("year", year).
		Str("phase", string(tr.state.Phase)).
		Int64("version", tr.state.Version).
		Msg("Advanced turn")

	return &tr.state, tr.event, nil
}

// ResetLedger zeroes all usage counters for a rotation year. Destructive;
// privilege enforcement belongs to the caller's authorization collaborator.
func (e *Engine) ResetLedger(ctx context.Context, orgID uuid.UUID, year int) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "Engine.ResetLedger",
		trace.WithAttributes(attribute.String("org_id", orgID.String()), attribute.Int("year", year)))
	defer func() { endSpan(span, err) }()

	mu := e.lockFor(orgID, year)
	mu.Lock()
	defer mu.Unlock()

	if err := e.rotations.ResetUsage(ctx, orgID, year); err != nil {
		return err
	}

	telemetry.GetMetrics().LedgerResetsTotal.Add(ctx, 1)
	log.Warn().
		Str("org_id", orgID.String()).
		Int("year", year).
		Msg("Reset usage ledger")

	return nil
}

// commit persists a transition, translating the store's version conflict
// into the engine's stale-state error.
func (e *Engine) commit(ctx context.Context, expectedVersion int64, tr *transition) error {
	err := e.rotations.CommitTransition(ctx, expectedVersion, &tr.state, tr.delta)
	switch {
	case errors.Is(err, store.ErrStaleVersion):
		telemetry.GetMetrics().StaleConflictsTotal.Add(ctx, 1)
		return ErrStaleState
	case errors.Is(err, store.ErrQuotaExceeded):
		return fmt.Errorf("%w: ledger bound", allocation.ErrQuotaExceeded)
	default:
		return err
	}
}

// dispatch emits a turn-change event after the session lock is released.
// Delivery failures are logged and reported via metrics; they never roll
// back or block the transition, which has already durably advanced.
func (e *Engine) dispatch(ctx context.Context, ev *TurnEvent) {
	if ev == nil {
		return
	}

	m := telemetry.GetMetrics()
	if err := e.notifier.TurnChanged(ctx, *ev); err != nil {
		m.NotificationErrorsTotal.Add(ctx, 1)
		log.Error().Err(err).
			Str("org_id", ev.OrgID.String()).
			Int("year", ev.Year).
			Str("group_id", ev.Group.String()).
			Msg("Failed to dispatch turn notification")
		return
	}
	m.NotificationsTotal.Add(ctx, 1)
}

func (e *Engine) lookupClaim(req ClaimRequest) *claimRecord {
	e.idemMu.Lock()
	defer e.idemMu.Unlock()
	return e.idem[idemKey(req)]
}

func (e *Engine) storeClaim(req ClaimRequest, state models.TurnState) {
	e.idemMu.Lock()
	defer e.idemMu.Unlock()
	e.idem[idemKey(req)] = &claimRecord{
		group:    req.GroupID,
		periods:  req.RequestedPeriods,
		state:    state,
		storedAt: time.Now(),
	}
}

func idemKey(req ClaimRequest) string {
	return fmt.Sprintf("%s/%d/%s", req.OrgID, req.Year, req.IdempotencyToken)
}

func newDrawNonce() string {
	return uuid.Must(uuid.NewV7()).String()
}

// endSpan closes an operation span, marking it failed when the operation
// returned an error.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func modelAttr(name models.AllocationModel) metric.AddOption {
	return metric.WithAttributes(attribute.String("model", string(name)))
}
