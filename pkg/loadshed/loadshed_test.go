package loadshed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whydecision/gateway/pkg/cache"
)

func TestFlag_DefaultsToDisabled(t *testing.T) {
	f := &Flag{}
	assert.False(t, f.Enabled())
}

func TestRefresher_PicksUpEnabledFromCache(t *testing.T) {
	c := cache.NewMemoryCache()
	require.NoError(t, c.Set(context.Background(), FlagKey, "1", 0))

	var changes []bool
	refresher, flag := NewRefresher(c, nil, Config{Period: 5 * time.Millisecond}, func(enabled bool) {
		changes = append(changes, enabled)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	refresher.Run(ctx)

	assert.True(t, flag.Enabled())
	require.NotEmpty(t, changes)
	assert.True(t, changes[0])
}

func TestRefresher_CacheMissMeansNotShedding(t *testing.T) {
	c := cache.NewMemoryCache()
	refresher, flag := NewRefresher(c, nil, Config{Period: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20 * time.Millisecond)
	defer cancel()
	refresher.Run(ctx)

	assert.False(t, flag.Enabled())
}

func TestRefresher_NilCacheNeverSheds(t *testing.T) {
	refresher, flag := NewRefresher(nil, nil, Config{Period: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20 * time.Millisecond)
	defer cancel()
	refresher.Run(ctx)

	assert.False(t, flag.Enabled())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 300*time.Millisecond, cfg.Period)
	assert.Equal(t, 20, cfg.HeartbeatCycles)
}
