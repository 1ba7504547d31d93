// Package loadshed owns the gateway's load_shed flag: a single
// background refresher polls a shared cache key on a short period and
// flips an in-process atomic flag that request handlers consult before
// doing any work. Log emission is throttled to state transitions or a
// heartbeat every N cycles, per spec.md §5.
package loadshed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/whydecision/gateway/pkg/audit"
	"github.com/whydecision/gateway/pkg/cache"
)

// FlagKey is the shared cache key the refresher polls.
const FlagKey = "gateway:load_shed"

// Flag is the process-scope load-shed state. The refresher is its
// sole writer; handlers only ever read it via Enabled.
type Flag struct {
	enabled int32
}

// Enabled reports whether the gateway should short-circuit new
// requests right now.
func (f *Flag) Enabled() bool {
	return atomic.LoadInt32(&f.enabled) == 1
}

func (f *Flag) set(v bool) bool {
	var n int32
	if v {
		n = 1
	}
	return atomic.SwapInt32(&f.enabled, n) != n
}

// Refresher polls Flag's backing cache key on Period and updates Flag,
// logging only on state transitions or every HeartbeatCycles polls.
type Refresher struct {
	cache            cache.Cache
	flag             *Flag
	period           time.Duration
	heartbeatCycles  int
	onChange         func(enabled bool)
	logger           audit.Logger
}

// Config controls the refresher's poll period and heartbeat cadence.
type Config struct {
	Period          time.Duration // default 300ms
	HeartbeatCycles int           // default 20, LOAD_SHED_HEARTBEAT_CYCLES
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 300 * time.Millisecond
	}
	if c.HeartbeatCycles <= 0 {
		c.HeartbeatCycles = 20
	}
	return c
}

// NewRefresher builds a Refresher. onChange, if non-nil, is invoked
// synchronously whenever the flag's state flips (e.g. to update the
// gateway_load_shed_enabled gauge).
func NewRefresher(c cache.Cache, logger audit.Logger, cfg Config, onChange func(enabled bool)) (*Refresher, *Flag) {
	cfg = cfg.withDefaults()
	flag := &Flag{}
	return &Refresher{
		cache:           c,
		flag:            flag,
		period:          cfg.Period,
		heartbeatCycles: cfg.HeartbeatCycles,
		onChange:        onChange,
		logger:          logger,
	}, flag
}

// Run polls until ctx is cancelled. Intended to be started in its own
// goroutine at process start.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle++
			enabled := r.poll(ctx)
			changed := r.flag.set(enabled)

			if changed && r.onChange != nil {
				r.onChange(enabled)
			}
			if changed || cycle%r.heartbeatCycles == 0 {
				r.logHeartbeat(ctx, enabled, changed)
			}
		}
	}
}

func (r *Refresher) poll(ctx context.Context) bool {
	if r.cache == nil {
		return false
	}
	v, err := r.cache.Get(ctx, FlagKey)
	if err != nil {
		// A cache miss or error means "not shedding" — load shed is an
		// opt-in flag, never inferred from cache unavailability.
		return false
	}
	return v == "1" || v == "true"
}

func (r *Refresher) logHeartbeat(ctx context.Context, enabled, changed bool) {
	if r.logger == nil {
		return
	}
	event := "load_shed_heartbeat"
	if changed {
		event = "load_shed_changed"
	}
	r.logger.Stage(ctx, "load_shed", event, map[string]interface{}{
		"enabled": enabled,
	})
}
