package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrDisabled is returned by Invoke when the caller has configured
// OPENAI_DISABLED=1: the call is skipped entirely, never attempted.
var ErrDisabled = errors.New("llm: invocation disabled")

// InvokeConfig bounds retries and backoff for a single Invoke call.
type InvokeConfig struct {
	MaxAttempts int           // default 2 retries (3 total attempts)
	RetryBase   time.Duration // default 100ms
	RetryJitter time.Duration // default 50ms
	Timeout     time.Duration // per-attempt deadline; 0 means caller's ctx governs
}

func (c InvokeConfig) withDefaults() InvokeConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 50 * time.Millisecond
	}
	return c
}

// invokeBackOff mirrors the evidence builder's jittered interval shape.
type invokeBackOff struct {
	base, jitter time.Duration
	attempt      int
}

func (b *invokeBackOff) NextBackOff() time.Duration {
	mod := time.Duration(b.attempt % 3)
	b.attempt++
	return b.base + b.jitter*mod
}
func (b *invokeBackOff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*invokeBackOff)(nil)

// Invoke sends envelope (already rendered as the user message content)
// to client and expects a JSON-only Answer object back. On disabled,
// it returns ErrDisabled without touching the network. On invalid
// JSON, HTTP error, or timeout, it returns the raw text it last saw
// (possibly empty) plus a classified error — callers escalate to the
// templater fallback on any non-nil error, per spec.md §4.6.
func Invoke(ctx context.Context, client Client, disabled bool, systemPrompt, userContent string, cfg InvokeConfig) (raw []byte, parsed map[string]any, err error) {
	if disabled {
		return nil, nil, ErrDisabled
	}
	if client == nil {
		return nil, nil, fmt.Errorf("llm: no client configured")
	}
	cfg = cfg.withDefaults()

	msgs := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}

	var lastRaw []byte
	op := func() (map[string]any, error) {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		resp, err := client.Chat(attemptCtx, msgs, nil, &SamplingOptions{Temperature: 0})
		if err != nil {
			return nil, err
		}
		lastRaw = []byte(resp.Content)

		var out map[string]any
		if err := json.Unmarshal(lastRaw, &out); err != nil {
			return nil, fmt.Errorf("llm: invalid JSON answer: %w", err)
		}
		return out, nil
	}

	bo := &invokeBackOff{base: cfg.RetryBase, jitter: cfg.RetryJitter}
	parsed, err = backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(cfg.MaxAttempts)))
	return lastRaw, parsed, err
}
