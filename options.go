package stepflow

import (
	"log/slog"
	"time"

	"github.com/GoCodeAlone/stepflow/observability/tracing"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTTL is how long a snapshot lives in the store.
const DefaultTTL = time.Minute

// DefaultMaxSteps caps the number of step executions in one run, so that a
// Goto cycle cannot spin forever.
const DefaultMaxSteps = 1000

type options struct {
	logger    *slog.Logger
	recorder  EventRecorder
	tracer    *tracing.PipelineTracer
	hasher    Hasher
	store     SnapshotStore
	keyPrefix string
	ttl       time.Duration
	maxSteps  int
	claimer   Claimer
	claimTTL  time.Duration
	now       func() time.Time
}

func defaultOptions() options {
	return options{
		logger:   slog.New(slog.DiscardHandler),
		tracer:   tracing.NewPipelineTracer(nil),
		hasher:   NewHMACHasher(""),
		ttl:      DefaultTTL,
		maxSteps: DefaultMaxSteps,
		claimTTL: DefaultClaimTTL,
		now:      time.Now,
	}
}

// Option configures a Pipeline.
type Option func(*options)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		o.logger = logger
	}
}

// WithEventRecorder sets the recorder that receives execution events.
func WithEventRecorder(r EventRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithTracer creates spans from tracer instead of the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracing.NewPipelineTracer(tracer) }
}

// WithHasher replaces the fingerprint hasher.
func WithHasher(h Hasher) Option {
	return func(o *options) {
		if h != nil {
			o.hasher = h
		}
	}
}

// WithHMACKey keys the default hasher.
func WithHMACKey(key string) Option {
	return func(o *options) { o.hasher = NewHMACHasher(key) }
}

// WithSnapshotStore enables caching against store.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(o *options) { o.store = store }
}

// WithKeyPrefix namespaces snapshot keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithTTL sets the snapshot lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMaxSteps caps step executions per run.
func WithMaxSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithClaimer makes runs claim their fingerprint before executing. A run that
// cannot claim ends with 409 Conflict.
func WithClaimer(c Claimer, ttl time.Duration) Option {
	return func(o *options) {
		o.claimer = c
		if ttl > 0 {
			o.claimTTL = ttl
		}
	}
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
