package rotation

import (
	"context"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/rs/zerolog/log"
)

// TurnEvent is the abstract "notify group G that it is their turn" event
// emitted when a transition changes the active group. Message transport
// (email/SMS/push) is an external collaborator.
type TurnEvent struct {
	OrgID uuid.UUID
	Year  int
	Group uuid.UUID
	Phase models.Phase
}

// Notifier receives turn-change events. Implementations must not block for
// long: the engine fires each event exactly once after the state transition
// has durably committed, never retries, and only logs failures.
type Notifier interface {
	TurnChanged(ctx context.Context, ev TurnEvent) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev TurnEvent) error

func (f NotifierFunc) TurnChanged(ctx context.Context, ev TurnEvent) error {
	return f(ctx, ev)
}

// LogNotifier logs turn changes. Default when no delivery subsystem is wired.
type LogNotifier struct{}

func (LogNotifier) TurnChanged(_ context.Context, ev TurnEvent) error {
	log.Info().
		Str("org_id", ev.OrgID.String()).
		Int("year", ev.Year).
		Str("group_id", ev.Group.String()).
		Str("phase", string(ev.Phase)).
		Msg("Turn changed")
	return nil
}
