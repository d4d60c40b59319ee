package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
)

// Sentinel errors surfaced by claim validation.
var (
	ErrUnknownModel     = errors.New("unknown allocation model")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrApprovalRequired = errors.New("admin approval required")
	ErrWeekNotOwned     = errors.New("week not owned by group")
)

// WeekOwnershipChecker answers whether a group owns the weeks it is trying to
// claim. Pre-assigned week ownership is external data; the static_weeks
// strategy defers to this hook.
type WeekOwnershipChecker func(ctx context.Context, org uuid.UUID, year int, group uuid.UUID, periods int32) (bool, error)

// ApprovalChecker answers whether an admin has approved a claim. The manual
// strategy defers every decision to this hook.
type ApprovalChecker func(ctx context.Context, org uuid.UUID, year int, group uuid.UUID) (bool, error)

// Hooks wires the external collaborators some strategies consult.
type Hooks struct {
	WeekOwnership WeekOwnershipChecker
	Approval      ApprovalChecker
}

// Input is the read-only decision context handed to a strategy. It is a
// snapshot assembled under the selection session lock.
type Input struct {
	OrgID  uuid.UUID
	Year   int
	Phase  models.Phase
	Order  []uuid.UUID
	Index  int        // rotation index; doubles as draw counter for lottery
	Active *uuid.UUID // current selector, nil if none
	Nonce  string     // recorded draw nonce for the current phase
	Usage  map[uuid.UUID]*models.TimePeriodUsage
	Quotas models.Quotas
}

// UsageFor returns the ledger row for a group, or a zeroed row if the group
// has not claimed anything yet.
func (in Input) UsageFor(group uuid.UUID) *models.TimePeriodUsage {
	if u, ok := in.Usage[group]; ok && u != nil {
		return u
	}
	return &models.TimePeriodUsage{GroupID: group}
}

// Selection is the result of a next-selector decision: the group to activate
// and the rotation index to record with it.
type Selection struct {
	Group uuid.UUID
	Index int
}

// Strategy is the shared decision contract all allocation models implement.
// The set of models is fixed, so lookup is an exhaustive switch rather than
// open-ended registration.
type Strategy interface {
	Name() models.AllocationModel

	// TurnBased reports whether the model drives the turn state machine.
	TurnBased() bool

	// NextSelector computes the next eligible group for turn-based models.
	// A nil result means the current phase is exhausted.
	NextSelector(in Input) *Selection

	// ValidateClaim is the pre-check before a booking is allowed.
	ValidateClaim(ctx context.Context, group uuid.UUID, periods int32, in Input) error
}

// ForName returns the strategy for an organization's configured model name.
func ForName(name models.AllocationModel, hooks Hooks) (Strategy, error) {
	switch name {
	case models.ModelRotatingSelection:
		return rotatingSelection{}, nil
	case models.ModelStaticWeeks:
		return staticWeeks{ownership: hooks.WeekOwnership}, nil
	case models.ModelFirstComeFirstServe:
		return firstComeFirstServe{}, nil
	case models.ModelManual:
		return manual{approval: hooks.Approval}, nil
	case models.ModelLottery:
		return lottery{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
}

// rotatingSelection is strict round-robin over the rotation order. A group
// whose usage already meets the phase quota is skipped without activating.
type rotatingSelection struct{}

func (rotatingSelection) Name() models.AllocationModel { return models.ModelRotatingSelection }
func (rotatingSelection) TurnBased() bool              { return true }

func (rotatingSelection) NextSelector(in Input) *Selection {
	quota := in.Quotas.ForPhase(in.Phase)
	for i := in.Index + 1; i < len(in.Order); i++ {
		g := in.Order[i]
		if quota > 0 && in.UsageFor(g).ForPhase(in.Phase) < quota {
			return &Selection{Group: g, Index: i}
		}
	}
	return nil
}

func (rotatingSelection) ValidateClaim(_ context.Context, group uuid.UUID, periods int32, in Input) error {
	return validateTurnClaim(group, periods, in)
}

// validateTurnClaim is shared by the turn-based strategies: the claimant must
// hold the turn and the claim must fit within the phase quota.
func validateTurnClaim(group uuid.UUID, periods int32, in Input) error {
	if in.Active == nil || *in.Active != group {
		return ErrNotYourTurn
	}
	quota := in.Quotas.ForPhase(in.Phase)
	if in.UsageFor(group).ForPhase(in.Phase)+periods > quota {
		return fmt.Errorf("%w: %d period(s) would exceed quota of %d", ErrQuotaExceeded, periods, quota)
	}
	return nil
}

// staticWeeks has no turn concept: each group owns pre-assigned weeks held
// by an external collaborator, so validation only checks ownership.
type staticWeeks struct {
	ownership WeekOwnershipChecker
}

func (staticWeeks) Name() models.AllocationModel { return models.ModelStaticWeeks }
func (staticWeeks) TurnBased() bool              { return false }
func (staticWeeks) NextSelector(Input) *Selection {
	return nil
}

func (s staticWeeks) ValidateClaim(ctx context.Context, group uuid.UUID, periods int32, in Input) error {
	if s.ownership == nil {
		return fmt.Errorf("%w: no week ownership checker configured", ErrWeekNotOwned)
	}
	owned, err := s.ownership(ctx, in.OrgID, in.Year, group, periods)
	if err != nil {
		return fmt.Errorf("week ownership check failed: %w", err)
	}
	if !owned {
		return ErrWeekNotOwned
	}
	return nil
}

// firstComeFirstServe has no turn concept; claims only need to fit quota.
type firstComeFirstServe struct{}

func (firstComeFirstServe) Name() models.AllocationModel { return models.ModelFirstComeFirstServe }
func (firstComeFirstServe) TurnBased() bool              { return false }
func (firstComeFirstServe) NextSelector(Input) *Selection {
	return nil
}

func (firstComeFirstServe) ValidateClaim(_ context.Context, group uuid.UUID, periods int32, in Input) error {
	quota := in.Quotas.ForPhase(in.Phase)
	if in.UsageFor(group).ForPhase(in.Phase)+periods > quota {
		return fmt.Errorf("%w: %d period(s) would exceed quota of %d", ErrQuotaExceeded, periods, quota)
	}
	return nil
}

// manual defers every decision to the admin approval flag. The engine never
// auto-advances under this model.
type manual struct {
	approval ApprovalChecker
}

func (manual) Name() models.AllocationModel { return models.ModelManual }
func (manual) TurnBased() bool              { return false }
func (manual) NextSelector(Input) *Selection {
	return nil
}

func (m manual) ValidateClaim(ctx context.Context, group uuid.UUID, _ int32, in Input) error {
	if m.approval == nil {
		return ErrApprovalRequired
	}
	approved, err := m.approval(ctx, in.OrgID, in.Year, group)
	if err != nil {
		return fmt.Errorf("approval check failed: %w", err)
	}
	if !approved {
		return ErrApprovalRequired
	}
	return nil
}
