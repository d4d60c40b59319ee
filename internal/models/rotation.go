package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the turn state machine phase for a rotation year.
type Phase string

const (
	PhaseNotStarted      Phase = "not_started"
	PhasePrimaryActive   Phase = "primary_active"
	PhaseSecondaryActive Phase = "secondary_active"
	PhaseCompleted       Phase = "completed"
)

// Active reports whether claims and advances are legal in this phase.
func (p Phase) Active() bool {
	return p == PhasePrimaryActive || p == PhaseSecondaryActive
}

// Quotas holds the maximum periods a group may claim per phase per year.
type Quotas struct {
	Primary   int32
	Secondary int32
}

// ForPhase returns the quota bound for the given phase.
func (q Quotas) ForPhase(p Phase) int32 {
	if p == PhaseSecondaryActive {
		return q.Secondary
	}
	return q.Primary
}

// TurnState is the mutable cursor of a rotation year. Version is a
// monotonically increasing stamp; every mutation must read-check-write the
// same version or fail with a stale-state error.
type TurnState struct {
	OrgID uuid.UUID
	Year  int

	Phase         Phase
	ActiveGroup   *uuid.UUID // nil unless Phase is active
	RotationIndex int        // position in the order; doubles as draw counter for lottery
	Version       int64

	// DrawNonce is the server-generated nonce recorded when a phase starts.
	// Lottery draws seed from it so every draw can be replayed for audit.
	DrawNonce string

	UpdatedAt time.Time
}

// ActiveGroupIs reports whether the given group currently holds the turn.
func (s *TurnState) ActiveGroupIs(group uuid.UUID) bool {
	return s.ActiveGroup != nil && *s.ActiveGroup == group
}

// RotationYear scopes one annual allocation cycle to an organization. It
// exclusively owns its rotation order (written once at creation, never
// mutated mid-cycle) and its turn state.
type RotationYear struct {
	OrgID uuid.UUID
	Year  int

	// Order is a permutation of the organization's active family group ids
	// at creation time, defining turn precedence.
	Order []uuid.UUID

	SecondaryEnabled bool
	Quotas           Quotas

	Turn TurnState

	CreatedAt time.Time
}

// Contains reports whether the group appears in the rotation order.
func (y *RotationYear) Contains(group uuid.UUID) bool {
	for _, g := range y.Order {
		if g == group {
			return true
		}
	}
	return false
}

// SecondaryStatus mirrors the turn state scoped to the secondary (bonus)
// pass. It is only populated once the secondary phase is active.
func (y *RotationYear) SecondaryStatus() *SecondarySelectionStatus {
	if y.Turn.Phase != PhaseSecondaryActive || y.Turn.ActiveGroup == nil {
		return nil
	}
	return &SecondarySelectionStatus{
		CurrentFamilyGroup: *y.Turn.ActiveGroup,
		RotationYear:       y.Year,
	}
}

// SecondarySelectionStatus identifies the current selector of the bonus pass.
type SecondarySelectionStatus struct {
	CurrentFamilyGroup uuid.UUID
	RotationYear       int
}

// TimePeriodUsage is the usage ledger row for one family group within a
// rotation year. Each counter stays within [0, configured quota].
type TimePeriodUsage struct {
	GroupID              uuid.UUID
	PrimaryPeriodsUsed   int32
	SecondaryPeriodsUsed int32
}

// ForPhase returns the counter matching the given phase.
func (u *TimePeriodUsage) ForPhase(p Phase) int32 {
	if p == PhaseSecondaryActive {
		return u.SecondaryPeriodsUsed
	}
	return u.PrimaryPeriodsUsed
}

// Total is the cumulative usage across both phases, used for lottery
// fairness weighting.
func (u *TimePeriodUsage) Total() int32 {
	return u.PrimaryPeriodsUsed + u.SecondaryPeriodsUsed
}
