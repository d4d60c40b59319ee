package rotation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/allocation"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/idaholion/cabinbuddy/internal/store"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type engineFixture struct {
	engine    *Engine
	rotations *store.MemoryRotationStore
	orgs      *store.MemoryOrganizationStore
	groups    *store.MemoryFamilyGroupStore
	org       *models.Organization
	order     []uuid.UUID

	mu     sync.Mutex
	events []TurnEvent
}

func (f *engineFixture) recordedEvents() []TurnEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TurnEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fixtureOpts struct {
	model     models.AllocationModel
	secondary bool
	groups    int
	hooks     allocation.Hooks
}

func newEngineFixture(t *testing.T, opts fixtureOpts) *engineFixture {
	t.Helper()
	ctx := context.Background()

	rotations := store.NewMemoryRotationStore()
	orgs := store.NewMemoryOrganizationStore()
	groups := store.NewMemoryFamilyGroupStore(rotations)

	org := &models.Organization{
		OrgID:              uuid.New(),
		Name:               "Lakeside Cabin",
		AllocationModel:    opts.model,
		SecondarySelection: opts.secondary,
		PrimaryQuota:       2,
		SecondaryQuota:     1,
		CreatedAt:          time.Now(),
	}
	require.NoError(t, orgs.Create(ctx, org))

	order := make([]uuid.UUID, opts.groups)
	for i := range order {
		g := &models.FamilyGroup{
			GroupID:   uuid.New(),
			OrgID:     org.OrgID,
			Name:      fmt.Sprintf("Family %d", i+1),
			CreatedAt: time.Now(),
		}
		require.NoError(t, groups.Create(ctx, g))
		order[i] = g.GroupID
	}

	f := &engineFixture{rotations: rotations, orgs: orgs, groups: groups, org: org, order: order}
	f.engine = NewEngine(rotations, orgs, groups, &Config{
		Hooks: opts.hooks,
		Notifier: NotifierFunc(func(ctx context.Context, ev TurnEvent) error {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
			return nil
		}),
	})
	require.NoError(t, f.engine.Start())
	t.Cleanup(func() { _ = f.engine.Stop() })

	return f
}

func (f *engineFixture) claim(t *testing.T, ctx context.Context, group uuid.UUID, periods int32) (*models.TurnState, error) {
	t.Helper()
	y, err := f.engine.GetTurnState(ctx, f.org.OrgID, 2026)
	require.NoError(t, err)
	return f.engine.ClaimTurn(ctx, ClaimRequest{
		OrgID:            f.org.OrgID,
		Year:             2026,
		GroupID:          group,
		RequestedPeriods: periods,
		ExpectedVersion:  y.Turn.Version,
	})
}

func TestStartRotationYear(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 3})

	y, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)
	require.Equal(t, models.PhasePrimaryActive, y.Turn.Phase)
	require.True(t, y.Turn.ActiveGroupIs(f.order[0]))
	require.NotEmpty(t, y.Turn.DrawNonce)
	require.Equal(t, int32(2), y.Quotas.Primary)

	events := f.recordedEvents()
	require.Len(t, events, 1)
	require.Equal(t, f.order[0], events[0].Group)

	t.Run("starting twice conflicts", func(t *testing.T) {
		_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
		require.ErrorIs(t, err, ErrAlreadyStarted)
	})

	t.Run("unknown organization", func(t *testing.T) {
		_, err := f.engine.StartRotationYear(ctx, uuid.New(), 2026, f.order)
		require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	})
}

func TestStartRotationYearOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 3})

	tests := []struct {
		name  string
		order []uuid.UUID
	}{
		{"empty order", nil},
		{"duplicate group", []uuid.UUID{f.order[0], f.order[0], f.order[1]}},
		{"missing group", f.order[:2]},
		{"foreign group", []uuid.UUID{f.order[0], f.order[1], uuid.New()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, tt.order)
			require.ErrorIs(t, err, ErrInvalidRotationOrder)
		})
	}
}

func TestStartRotationYearRetryKeepsSubmittedOrder(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 3})

	// Seed a year that was created but never activated, as left behind by a
	// start attempt that failed between creation and the first transition.
	require.NoError(t, f.rotations.CreateRotationYear(ctx, &models.RotationYear{
		OrgID:            f.org.OrgID,
		Year:             2026,
		Order:            f.order,
		SecondaryEnabled: false,
		Quotas:           models.Quotas{Primary: 2, Secondary: 1},
		Turn: models.TurnState{
			OrgID:   f.org.OrgID,
			Year:    2026,
			Phase:   models.PhaseNotStarted,
			Version: 1,
		},
		CreatedAt: time.Now(),
	}))

	// A retry with a different permutation must not activate the stored one.
	reordered := []uuid.UUID{f.order[1], f.order[0], f.order[2]}
	_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, reordered)
	require.ErrorIs(t, err, ErrInvalidRotationOrder)

	y, err := f.engine.GetTurnState(ctx, f.org.OrgID, 2026)
	require.NoError(t, err)
	require.Equal(t, models.PhaseNotStarted, y.Turn.Phase, "a rejected retry activates nothing")

	// Retrying with the original order completes the start.
	y, err = f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)
	require.Equal(t, models.PhasePrimaryActive, y.Turn.Phase)
	require.True(t, y.Turn.ActiveGroupIs(f.order[0]))
}

// TestEngineHappyPath drives the full [A,B,C] primary-only cycle through the
// engine: claims commit atomically with ledger increments, the turn moves in
// order and each handover emits exactly one notification.
func TestEngineHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 3})
	a, b, c := f.order[0], f.order[1], f.order[2]

	_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	var versions []int64

	st, err := f.claim(t, ctx, a, 1)
	require.NoError(t, err)
	require.True(t, st.ActiveGroupIs(a), "partial quota keeps the turn")
	versions = append(versions, st.Version)

	st, err = f.claim(t, ctx, a, 1)
	require.NoError(t, err)
	require.True(t, st.ActiveGroupIs(b))
	versions = append(versions, st.Version)

	_, err = f.claim(t, ctx, a, 1)
	require.ErrorIs(t, err, allocation.ErrNotYourTurn)

	st, err = f.claim(t, ctx, b, 2)
	require.NoError(t, err)
	require.True(t, st.ActiveGroupIs(c))
	versions = append(versions, st.Version)

	st, err = f.claim(t, ctx, c, 2)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)
	require.Nil(t, st.ActiveGroup)
	versions = append(versions, st.Version)

	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1], "versions must increase")
	}

	usage, err := f.engine.GetUsage(ctx, f.org.OrgID, 2026)
	require.NoError(t, err)
	for _, g := range f.order {
		require.Equal(t, int32(2), usage[g].PrimaryPeriodsUsed)
	}

	// One event per activation: start (A), handover to B, handover to C.
	// Completion emits nothing.
	events := f.recordedEvents()
	require.Len(t, events, 3)
	require.Equal(t, []uuid.UUID{a, b, c}, []uuid.UUID{events[0].Group, events[1].Group, events[2].Group})

	// Claims after completion are rejected.
	_, err = f.claim(t, ctx, a, 1)
	require.ErrorIs(t, err, ErrRotationCompleted)
}

func TestEngineSkipsExhaustedQuota(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, secondary: true, groups: 3})
	a, b, c := f.order[0], f.order[1], f.order[2]

	_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	// Walk the primary phase so everyone has usage, then check the secondary
	// pass skips a group that exhausts its quota.
	for _, g := range []uuid.UUID{a, b, c} {
		_, err = f.claim(t, ctx, g, 2)
		require.NoError(t, err)
	}

	y, err := f.engine.GetTurnState(ctx, f.org.OrgID, 2026)
	require.NoError(t, err)
	require.Equal(t, models.PhaseSecondaryActive, y.Turn.Phase)
	require.True(t, y.Turn.ActiveGroupIs(a))

	// A books its single secondary period; turn moves to B.
	st, err := f.claim(t, ctx, a, 1)
	require.NoError(t, err)
	require.True(t, st.ActiveGroupIs(b))

	// B overdraws and is rejected without advancing anything.
	_, err = f.claim(t, ctx, b, 2)
	require.ErrorIs(t, err, allocation.ErrQuotaExceeded)

	st, err = f.claim(t, ctx, b, 1)
	require.NoError(t, err)
	require.True(t, st.ActiveGroupIs(c))
}

func TestEngineIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 2})
	a := f.order[0]

	y, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	req := ClaimRequest{
		OrgID:            f.org.OrgID,
		Year:             2026,
		GroupID:          a,
		RequestedPeriods: 1,
		IdempotencyToken: "token-1",
		ExpectedVersion:  y.Turn.Version,
	}

	first, err := f.engine.ClaimTurn(ctx, req)
	require.NoError(t, err)

	// Replays return the original outcome even though the stored version has
	// moved on, and the ledger is not incremented again.
	replay, err := f.engine.ClaimTurn(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Version, replay.Version)
	require.Equal(t, first.Phase, replay.Phase)

	usage, err := f.engine.GetUsage(ctx, f.org.OrgID, 2026)
	require.NoError(t, err)
	require.Equal(t, int32(1), usage[a].PrimaryPeriodsUsed)

	t.Run("token reuse with different arguments conflicts", func(t *testing.T) {
		bad := req
		bad.GroupID = f.order[1]
		_, err := f.engine.ClaimTurn(ctx, bad)
		require.ErrorIs(t, err, ErrIdempotencyConflict)

		bad = req
		bad.RequestedPeriods = 2
		_, err = f.engine.ClaimTurn(ctx, bad)
		require.ErrorIs(t, err, ErrIdempotencyConflict)
	})
}

func TestEngineStaleClaim(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 2})

	y, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	_, err = f.engine.ClaimTurn(ctx, ClaimRequest{
		OrgID:            f.org.OrgID,
		Year:             2026,
		GroupID:          f.order[0],
		RequestedPeriods: 1,
		ExpectedVersion:  y.Turn.Version - 1,
	})
	require.ErrorIs(t, err, ErrStaleState)
}

func TestEngineConcurrentClaimRace(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 2})
	a := f.order[0]

	y, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	// Two claims race with the same observed version. Exactly one wins; the
	// other fails stale and the ledger reflects a single booking.
	const racers = 2
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := f.engine.ClaimTurn(ctx, ClaimRequest{
				OrgID:            f.org.OrgID,
				Year:             2026,
				GroupID:          a,
				RequestedPeriods: 1,
				ExpectedVersion:  y.Turn.Version,
			})
			results <- err
		}()
	}

	var wins, stale int
	for i := 0; i < racers; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrStaleState)
		stale++
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, stale)

	usage, err := f.engine.GetUsage(ctx, f.org.OrgID, 2026)
	require.NoError(t, err)
	require.Equal(t, int32(1), usage[a].PrimaryPeriodsUsed)
}

func TestEngineAdvanceTurn(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 3})

	_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	// Zero expected version lets the engine resolve the current version.
	st, err := f.engine.AdvanceTurn(ctx, f.org.OrgID, 2026, 0)
	require.NoError(t, err)
	require.True(t, st.ActiveGroupIs(f.order[1]))

	// Explicit version must match exactly.
	_, err = f.engine.AdvanceTurn(ctx, f.org.OrgID, 2026, st.Version-1)
	require.ErrorIs(t, err, ErrStaleState)

	st, err = f.engine.AdvanceTurn(ctx, f.org.OrgID, 2026, st.Version)
	require.NoError(t, err)
	require.True(t, st.ActiveGroupIs(f.order[2]))

	// Advancing past the last group completes the phase; with no secondary
	// pass the year is done and no further advance is legal.
	st, err = f.engine.AdvanceTurn(ctx, f.org.OrgID, 2026, 0)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, st.Phase)

	_, err = f.engine.AdvanceTurn(ctx, f.org.OrgID, 2026, 0)
	require.ErrorIs(t, err, ErrRotationCompleted)
}

func TestEngineResetLedger(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 2})
	a := f.order[0]

	_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	_, err = f.claim(t, ctx, a, 2)
	require.NoError(t, err)

	require.NoError(t, f.engine.ResetLedger(ctx, f.org.OrgID, 2026))

	usage, err := f.engine.GetUsage(ctx, f.org.OrgID, 2026)
	require.NoError(t, err)
	for _, u := range usage {
		require.Zero(t, u.PrimaryPeriodsUsed)
		require.Zero(t, u.SecondaryPeriodsUsed)
	}

	t.Run("unknown year", func(t *testing.T) {
		require.ErrorIs(t, f.engine.ResetLedger(ctx, f.org.OrgID, 1999), store.ErrRotationYearNotFound)
	})
}

func TestEngineLotteryDeterministicReplay(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelLottery, groups: 4})

	y, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)
	require.True(t, y.Turn.ActiveGroupIs(f.order[0]), "lottery still starts at the head of the order")

	// The active group exhausts its quota; the next selector is drawn.
	st, err := f.claim(t, ctx, f.order[0], 2)
	require.NoError(t, err)
	require.NotNil(t, st.ActiveGroup)
	drawn := *st.ActiveGroup
	require.NotEqual(t, f.order[0], drawn)

	// Replaying the recorded draw inputs reproduces the same winner.
	usage := map[uuid.UUID]*models.TimePeriodUsage{
		f.order[0]: {GroupID: f.order[0], PrimaryPeriodsUsed: 2},
	}
	strat, err := allocation.ForName(models.ModelLottery, allocation.Hooks{})
	require.NoError(t, err)
	sel := strat.NextSelector(allocation.Input{
		OrgID:  f.org.OrgID,
		Year:   2026,
		Phase:  models.PhasePrimaryActive,
		Order:  f.order,
		Index:  y.Turn.RotationIndex,
		Active: y.Turn.ActiveGroup,
		Nonce:  y.Turn.DrawNonce,
		Usage:  usage,
		Quotas: models.Quotas{Primary: 2, Secondary: 1},
	})
	require.NotNil(t, sel)
	require.Equal(t, drawn, sel.Group)
	require.Equal(t, st.RotationIndex, sel.Index)
}

func TestEngineOperationSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := context.Background()
	f := newEngineFixture(t, fixtureOpts{model: models.ModelRotatingSelection, groups: 2})

	_, err := f.engine.StartRotationYear(ctx, f.org.OrgID, 2026, f.order)
	require.NoError(t, err)

	// One rejected claim and one booked claim.
	_, err = f.claim(t, ctx, f.order[1], 1)
	require.ErrorIs(t, err, allocation.ErrNotYourTurn)

	_, err = f.claim(t, ctx, f.order[0], 1)
	require.NoError(t, err)

	_, err = f.engine.AdvanceTurn(ctx, f.org.OrgID, 2026, 0)
	require.NoError(t, err)

	names := make(map[string]int)
	var failed int
	for _, s := range recorder.Ended() {
		names[s.Name()]++
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	require.Equal(t, 1, names["Engine.StartRotationYear"])
	require.Equal(t, 2, names["Engine.ClaimTurn"])
	require.Equal(t, 1, names["Engine.AdvanceTurn"])
	require.Equal(t, 1, failed, "the rejected claim marks its span failed")
}
