package allocation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
)

// lottery is turn-based, but the next selector is drawn at random from the
// groups that have not yet claimed in the current phase, weighted inversely
// by each group's cumulative usage so light users are favoured. Draws seed
// from (year, phase, nonce, draw#) and are fully reproducible for audit.
type lottery struct{}

func (lottery) Name() models.AllocationModel { return models.ModelLottery }
func (lottery) TurnBased() bool              { return true }

func (lottery) NextSelector(in Input) *Selection {
	quota := in.Quotas.ForPhase(in.Phase)
	if quota <= 0 {
		return nil
	}

	// Candidates keep rotation-order position so the draw walk is stable.
	var candidates []uuid.UUID
	var weights []float64
	total := 0.0
	for _, g := range in.Order {
		if in.Active != nil && *in.Active == g {
			continue
		}
		u := in.UsageFor(g)
		if u.ForPhase(in.Phase) > 0 {
			continue // already had its turn this phase
		}
		w := 1.0 / float64(1+u.Total())
		candidates = append(candidates, g)
		weights = append(weights, w)
		total += w
	}
	if len(candidates) == 0 {
		return nil
	}

	draw := in.Index + 1
	rng := drawRNG(in.Year, in.Phase, in.Nonce, draw)
	r := rng.Float64() * total
	for i, g := range candidates {
		r -= weights[i]
		if r <= 0 {
			return &Selection{Group: g, Index: draw}
		}
	}
	// Float underflow; fall back to the last candidate.
	return &Selection{Group: candidates[len(candidates)-1], Index: draw}
}

func (lottery) ValidateClaim(_ context.Context, group uuid.UUID, periods int32, in Input) error {
	return validateTurnClaim(group, periods, in)
}

// drawRNG derives a deterministic generator for one draw. The nonce is
// server-generated when the phase starts and recorded on the turn state, so
// any historical draw can be replayed.
func drawRNG(year int, phase models.Phase, nonce string, draw int) *rand.Rand {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%s|%d", year, phase, nonce, draw))
	return rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(sum[0:8]),
		binary.BigEndian.Uint64(sum[8:16]),
	))
}
