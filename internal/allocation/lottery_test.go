package allocation

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/idaholion/cabinbuddy/internal/models"
	"github.com/stretchr/testify/require"
)

func TestLotteryReproducibility(t *testing.T) {
	order := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	strat := lottery{}

	in := testInput(order, &order[0], 0)
	in.Nonce = "0199a1b2-draw-nonce"

	first := strat.NextSelector(in)
	require.NotNil(t, first)

	// Same snapshot always yields the same draw.
	for i := 0; i < 50; i++ {
		again := strat.NextSelector(in)
		require.NotNil(t, again)
		require.Equal(t, first.Group, again.Group)
		require.Equal(t, first.Index, again.Index)
	}

	// The draw counter advances with the rotation index.
	require.Equal(t, in.Index+1, first.Index)
}

func TestLotteryEligibility(t *testing.T) {
	order := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	strat := lottery{}

	t.Run("active group is excluded from the draw", func(t *testing.T) {
		in := testInput(order, &order[1], 3)
		in.Nonce = "nonce-a"
		sel := strat.NextSelector(in)
		require.NotNil(t, sel)
		require.NotEqual(t, order[1], sel.Group)
	})

	t.Run("groups with phase usage are excluded", func(t *testing.T) {
		in := testInput(order, &order[0], 1)
		in.Nonce = "nonce-b"
		in.Usage[order[1]].PrimaryPeriodsUsed = 1
		sel := strat.NextSelector(in)
		require.NotNil(t, sel)
		require.Equal(t, order[2], sel.Group)
	})

	t.Run("phase exhausts when every group has drawn", func(t *testing.T) {
		in := testInput(order, &order[2], 2)
		in.Nonce = "nonce-c"
		in.Usage[order[0]].PrimaryPeriodsUsed = 1
		in.Usage[order[1]].PrimaryPeriodsUsed = 1
		require.Nil(t, strat.NextSelector(in))
	})

	t.Run("zero quota yields no draw", func(t *testing.T) {
		in := testInput(order, nil, 0)
		in.Quotas.Primary = 0
		require.Nil(t, strat.NextSelector(in))
	})
}

func TestLotteryCoversAllCandidates(t *testing.T) {
	order := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	strat := lottery{}

	// Across enough independent nonces every eligible group should win at
	// least one draw.
	picked := make(map[uuid.UUID]int)
	for i := 0; i < 200; i++ {
		in := testInput(order, nil, 0)
		in.Nonce = fmt.Sprintf("nonce-%d", i)
		sel := strat.NextSelector(in)
		require.NotNil(t, sel)
		picked[sel.Group]++
	}

	for _, g := range order {
		require.Positive(t, picked[g], "group %s never drawn across 200 nonces", g)
	}
}

func TestLotteryFavoursLightUsers(t *testing.T) {
	heavy := uuid.New()
	light := uuid.New()
	order := []uuid.UUID{heavy, light}
	strat := lottery{}

	wins := make(map[uuid.UUID]int)
	for i := 0; i < 400; i++ {
		in := testInput(order, nil, 0)
		in.Phase = models.PhaseSecondaryActive
		in.Quotas.Secondary = 1
		in.Usage[heavy].PrimaryPeriodsUsed = 4 // cumulative usage lowers the weight
		in.Nonce = fmt.Sprintf("weighted-%d", i)
		sel := strat.NextSelector(in)
		require.NotNil(t, sel)
		wins[sel.Group]++
	}

	require.Greater(t, wins[light], wins[heavy])
}
