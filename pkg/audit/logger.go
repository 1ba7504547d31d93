// Package audit emits the gateway's structured, one-JSON-object-per-line
// log envelope used for pipeline stage events (resolve, evidence, policy,
// selector, llm, validate, assemble, persist).
package audit

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Envelope is one structured log line.
type Envelope struct {
	Timestamp         time.Time              `json:"timestamp"`
	Level             string                 `json:"level"`
	Service           string                 `json:"service"`
	Stage             string                 `json:"stage"`
	Event             string                 `json:"event"`
	RequestID         string                 `json:"request_id"`
	SnapshotETag      string                 `json:"snapshot_etag,omitempty"`
	PromptFingerprint string                 `json:"prompt_fingerprint,omitempty"`
	TraceID           string                 `json:"trace_id,omitempty"`
	SpanID            string                 `json:"span_id,omitempty"`
	Meta              map[string]interface{} `json:"meta,omitempty"`
}

// Logger records structured stage events.
type Logger interface {
	Stage(ctx context.Context, stage, event string, meta map[string]interface{})
	StageError(ctx context.Context, stage, event string, err error, meta map[string]interface{})
}

type requestContextKey struct{}

// RequestContext carries the fields every Envelope inherits from the
// active HTTP request: request id, snapshot etag, prompt fingerprint,
// trace/span ids (populated by OpenTelemetry instrumentation upstream).
type RequestContext struct {
	RequestID         string
	SnapshotETag      string
	PromptFingerprint string
	TraceID           string
	SpanID            string
}

// WithRequestContext attaches a RequestContext for downstream Logger calls.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

func requestContextFrom(ctx context.Context) RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(RequestContext); ok {
		return rc
	}
	return RequestContext{}
}

type slogLogger struct {
	service string
	mu      sync.Mutex
	base    *slog.Logger
}

// NewLogger creates a Logger that writes JSON envelopes to stdout via
// log/slog, identifying itself as service.
func NewLogger(service string) Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})
	return &slogLogger{service: service, base: slog.New(handler)}
}

func (l *slogLogger) envelope(ctx context.Context, level, stage, event string, meta map[string]interface{}) Envelope {
	rc := requestContextFrom(ctx)
	return Envelope{
		Timestamp:         time.Now().UTC(),
		Level:             level,
		Service:           l.service,
		Stage:             stage,
		Event:             event,
		RequestID:         rc.RequestID,
		SnapshotETag:      rc.SnapshotETag,
		PromptFingerprint: rc.PromptFingerprint,
		TraceID:           rc.TraceID,
		SpanID:            rc.SpanID,
		Meta:              meta,
	}
}

func (l *slogLogger) Stage(ctx context.Context, stage, event string, meta map[string]interface{}) {
	env := l.envelope(ctx, "INFO", stage, event, meta)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.Info(event,
		"timestamp", env.Timestamp,
		"service", env.Service,
		"stage", env.Stage,
		"request_id", env.RequestID,
		"snapshot_etag", env.SnapshotETag,
		"prompt_fingerprint", env.PromptFingerprint,
		"trace_id", env.TraceID,
		"span_id", env.SpanID,
		"meta", env.Meta,
	)
}

func (l *slogLogger) StageError(ctx context.Context, stage, event string, err error, meta map[string]interface{}) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	env := l.envelope(ctx, "ERROR", stage, event, meta)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.Error(event,
		"timestamp", env.Timestamp,
		"service", env.Service,
		"stage", env.Stage,
		"request_id", env.RequestID,
		"snapshot_etag", env.SnapshotETag,
		"prompt_fingerprint", env.PromptFingerprint,
		"trace_id", env.TraceID,
		"span_id", env.SpanID,
		"meta", env.Meta,
	)
}
