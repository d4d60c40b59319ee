package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolConfigDefaults(t *testing.T) {
	cfg := &PoolConfig{ConnString: "postgres://localhost/cabinbuddy"}
	cfg.applyDefaults()

	require.Equal(t, int32(10), cfg.MaxConns)
	require.Equal(t, int32(2), cfg.MinConns)
	require.Equal(t, int32(1800), cfg.MaxConnLifetime)
	require.Equal(t, int32(600), cfg.MaxConnIdleTime)
	require.Equal(t, int32(30), cfg.HealthCheckPeriod)
	require.Equal(t, int32(5), cfg.ConnectTimeout)

	t.Run("explicit values survive", func(t *testing.T) {
		cfg := &PoolConfig{ConnString: "postgres://localhost/cabinbuddy", MaxConns: 50}
		cfg.applyDefaults()
		require.Equal(t, int32(50), cfg.MaxConns)
		require.Equal(t, int32(2), cfg.MinConns)
	})
}

func TestNewPoolRequiresConnString(t *testing.T) {
	_, err := NewPool(context.Background(), &PoolConfig{})
	require.Error(t, err)

	_, err = NewPool(context.Background(), nil)
	require.Error(t, err)
}
