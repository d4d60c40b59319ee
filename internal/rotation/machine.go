package rotation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/allocation"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/idaholion/cabinbuddy/internal/store"
)

// transition is the computed outcome of one state machine step: the new turn
// state, an optional quota-bounded ledger increment, and the turn-change
// event to emit once the write has committed. The functions in this file are
// pure so the memory and postgres stores share one semantics and tests can
// exercise every edge without a store.
type transition struct {
	state models.TurnState
	delta *store.UsageDelta
	event *TurnEvent
}

// startTransition moves a rotation year from NotStarted to PrimaryActive at
// the head of the order. The nonce seeds lottery draws for the primary phase.
func startTransition(y *models.RotationYear, nonce string) (*transition, error) {
	switch y.Turn.Phase {
	case models.PhaseNotStarted:
	default:
		return nil, ErrAlreadyStarted
	}
	if len(y.Order) == 0 {
		return nil, fmt.Errorf("%w: order is empty", ErrInvalidRotationOrder)
	}

	st := y.Turn
	st.Phase = models.PhasePrimaryActive
	first := y.Order[0]
	st.ActiveGroup = &first
	st.RotationIndex = 0
	st.DrawNonce = nonce
	st.Version++

	return &transition{
		state: st,
		event: &TurnEvent{OrgID: y.OrgID, Year: y.Year, Group: first, Phase: st.Phase},
	}, nil
}

// claimTransition validates a claim against the active model and computes
// the resulting state: ledger increment for the claimed periods and, once
// the claimant's phase quota is met, advance to the model's next selector.
// Non-turn-based models increment the ledger without moving any cursor.
func claimTransition(ctx context.Context, y *models.RotationYear, usage map[uuid.UUID]*models.TimePeriodUsage, strat allocation.Strategy, group uuid.UUID, periods int32, nonce func() string) (*transition, error) {
	if err := checkActivePhase(y.Turn.Phase); err != nil {
		return nil, err
	}
	if periods <= 0 {
		return nil, ErrInvalidPeriods
	}
	if !y.Contains(group) {
		return nil, ErrGroupNotInRotation
	}

	in := selectionInput(y, usage)
	if err := strat.ValidateClaim(ctx, group, periods, in); err != nil {
		return nil, err
	}

	phase := y.Turn.Phase
	quota := y.Quotas.ForPhase(phase)
	field := store.UsagePrimary
	if phase == models.PhaseSecondaryActive {
		field = store.UsageSecondary
	}

	tr := &transition{
		state: y.Turn,
		delta: &store.UsageDelta{GroupID: group, Field: field, Delta: periods, Limit: quota},
	}
	tr.state.Version++

	if !strat.TurnBased() {
		return tr, nil
	}

	// The selector keeps the turn until its phase quota is met.
	if in.UsageFor(group).ForPhase(phase)+periods < quota {
		return tr, nil
	}

	after := selectionInput(y, usage)
	after.Usage = overlayUsage(usage, group, phase, periods)
	if sel := strat.NextSelector(after); sel != nil {
		tr.state.ActiveGroup = &sel.Group
		tr.state.RotationIndex = sel.Index
		tr.event = &TurnEvent{OrgID: y.OrgID, Year: y.Year, Group: sel.Group, Phase: tr.state.Phase}
		return tr, nil
	}

	completePhase(y, tr, nonce)
	return tr, nil
}

// advanceTransition skips the current selector without a claim (admin or
// scheduler forced). Legal whenever a phase is active; for models without a
// turn concept the next selector is always nil, so advancing marks the phase
// complete administratively.
func advanceTransition(y *models.RotationYear, usage map[uuid.UUID]*models.TimePeriodUsage, strat allocation.Strategy, nonce func() string) (*transition, error) {
	if err := checkActivePhase(y.Turn.Phase); err != nil {
		return nil, err
	}

	tr := &transition{state: y.Turn}
	tr.state.Version++

	if sel := strat.NextSelector(selectionInput(y, usage)); sel != nil {
		tr.state.ActiveGroup = &sel.Group
		tr.state.RotationIndex = sel.Index
		tr.event = &TurnEvent{OrgID: y.OrgID, Year: y.Year, Group: sel.Group, Phase: tr.state.Phase}
		return tr, nil
	}

	completePhase(y, tr, nonce)
	return tr, nil
}

// completePhase handles the automatic completePrimary/completeSecondary
// transitions: primary rolls into the secondary pass at the head of the
// order when the organization enables it, otherwise the year completes.
func completePhase(y *models.RotationYear, tr *transition, nonce func() string) {
	if tr.state.Phase == models.PhasePrimaryActive && y.SecondaryEnabled {
		tr.state.Phase = models.PhaseSecondaryActive
		first := y.Order[0]
		tr.state.ActiveGroup = &first
		tr.state.RotationIndex = 0
		tr.state.DrawNonce = nonce()
		tr.event = &TurnEvent{OrgID: y.OrgID, Year: y.Year, Group: first, Phase: tr.state.Phase}
		return
	}

	tr.state.Phase = models.PhaseCompleted
	tr.state.ActiveGroup = nil
	tr.event = nil
}

func checkActivePhase(p models.Phase) error {
	switch p {
	case models.PhaseNotStarted:
		return ErrNotStarted
	case models.PhaseCompleted:
		return ErrRotationCompleted
	default:
		return nil
	}
}

// selectionInput snapshots the decision context handed to a strategy.
func selectionInput(y *models.RotationYear, usage map[uuid.UUID]*models.TimePeriodUsage) allocation.Input {
	return allocation.Input{
		OrgID:  y.OrgID,
		Year:   y.Year,
		Phase:  y.Turn.Phase,
		Order:  y.Order,
		Index:  y.Turn.RotationIndex,
		Active: y.Turn.ActiveGroup,
		Nonce:  y.Turn.DrawNonce,
		Usage:  usage,
		Quotas: y.Quotas,
	}
}

// overlayUsage returns a copy of the ledger with one claim applied, used to
// pick the next selector as if the pending increment had already committed.
func overlayUsage(usage map[uuid.UUID]*models.TimePeriodUsage, group uuid.UUID, phase models.Phase, periods int32) map[uuid.UUID]*models.TimePeriodUsage {
	out := make(map[uuid.UUID]*models.TimePeriodUsage, len(usage)+1)
	for g, u := range usage {
		clone := *u
		out[g] = &clone
	}
	u, ok := out[group]
	if !ok {
		u = &models.TimePeriodUsage{GroupID: group}
		out[group] = u
	}
	if phase == models.PhaseSecondaryActive {
		u.SecondaryPeriodsUsed += periods
	} else {
		u.PrimaryPeriodsUsed += periods
	}
	return out
}
