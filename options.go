package snapshot

import (
	"reflect"
	"time"

	"github.com/goliatone/go-snapshot/pkg/activity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "github.com/goliatone/go-snapshot"

	// DefaultBatchConcurrency bounds concurrent batch sub-operations.
	DefaultBatchConcurrency = 8
	// DefaultHistoryLimit bounds the undo and redo stacks.
	DefaultHistoryLimit = 100
	// DefaultEventLogLimit is the event log length kept by Compress.
	DefaultEventLogLimit = 1000
)

// Option configures a Store.
type Option func(*config)

type config struct {
	name             string
	logger           *zap.SugaredLogger
	clock            func() time.Time
	ids              IDGenerator
	cipher           Cipher
	validator        Validator
	evaluator        Evaluator
	programCache     ProgramCache
	functions        *FunctionRegistry
	evaluatorLogger  EvaluatorLogger
	metrics          MetricsRecorder
	tracer           trace.Tracer
	activityHooks    activity.Hooks
	batchConcurrency int
	historyLimit     int
	eventLogLimit    int
	duplicatePolicy  DuplicatePolicy
	writeThrough     bool

	// delegates and dispatcher hold typed values and are asserted by New.
	delegates  any
	dispatcher any
}

func applyOptions(opts []Option) config {
	cfg := config{
		name:             "default",
		batchConcurrency: DefaultBatchConcurrency,
		historyLimit:     DefaultHistoryLimit,
		eventLogLimit:    DefaultEventLogLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop().Sugar()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	if cfg.metrics == nil {
		cfg.metrics = noopMetrics{}
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}
	if cfg.evaluatorLogger == nil {
		cfg.evaluatorLogger = noopEvaluatorLogger{}
	}
	return cfg
}

// WithName labels the store in logs, metrics, events and evaluator errors.
func WithName(name string) Option {
	return func(cfg *config) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithClock overrides the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = now
	}
}

// WithIDGenerator sets the generator used for snapshots created without an id.
func WithIDGenerator(ids IDGenerator) Option {
	return func(cfg *config) {
		cfg.ids = ids
	}
}

// WithCipher sets the cipher used by Encrypt and Decrypt.
func WithCipher(cipher Cipher) Option {
	return func(cfg *config) {
		cfg.cipher = cipher
	}
}

// WithValidator adds a payload validator run on create and update, after the
// payload's own Validate method.
func WithValidator(validator Validator) Option {
	return func(cfg *config) {
		cfg.validator = validator
	}
}

// WithEvaluator configures the evaluator used for expression criteria.
func WithEvaluator(e Evaluator) Option {
	return func(cfg *config) {
		cfg.evaluator = e
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(cfg *config) {
		cfg.metrics = metrics
	}
}

// WithTracer overrides the tracer used for delegate walks and batches.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *config) {
		cfg.tracer = tracer
	}
}

// WithActivityHooks attaches activity hooks to the default dispatcher.
// Hooks are cloned and nil entries dropped.
func WithActivityHooks(hooks activity.Hooks) Option {
	normalized := cloneActivityHooks(hooks)
	return func(cfg *config) {
		cfg.activityHooks = normalized
	}
}

// WithBatchConcurrency bounds concurrent batch sub-operations.
func WithBatchConcurrency(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.batchConcurrency = n
		}
	}
}

// WithHistoryLimit bounds the undo and redo stacks. Zero disables history.
func WithHistoryLimit(n int) Option {
	return func(cfg *config) {
		if n >= 0 {
			cfg.historyLimit = n
		}
	}
}

// WithEventLogLimit sets how many event records Compress keeps.
func WithEventLogLimit(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.eventLogLimit = n
		}
	}
}

// WithDuplicatePolicy selects how CreateSnapshot treats existing ids.
func WithDuplicatePolicy(policy DuplicatePolicy) Option {
	return func(cfg *config) {
		cfg.duplicatePolicy = policy
	}
}

// WithWriteThrough mirrors create, update and remove into delegates that
// support them. Delegate failures are logged and notified, never returned.
func WithWriteThrough(enabled bool) Option {
	return func(cfg *config) {
		cfg.writeThrough = enabled
	}
}

// WithDelegates sets the ordered fallback chain. The type parameters must
// match the store they are passed to.
func WithDelegates[T any, M any](delegates ...Delegate[T, M]) Option {
	chain := append([]Delegate[T, M](nil), delegates...)
	return func(cfg *config) {
		cfg.delegates = chain
	}
}

// WithDispatcher injects a dispatcher, typically to share subscribers or
// activity hooks between stores of the same payload type.
func WithDispatcher[T any, M any](dispatcher *Dispatcher[T, M]) Option {
	return func(cfg *config) {
		if dispatcher != nil {
			cfg.dispatcher = dispatcher
		}
	}
}

func cloneActivityHooks(hooks activity.Hooks) activity.Hooks {
	if len(hooks) == 0 {
		return nil
	}
	normalized := make([]activity.ActivityHook, 0, len(hooks))
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		normalized = append(normalized, hook)
	}
	if len(normalized) == 0 {
		return nil
	}
	return activity.Hooks(normalized)
}

func validateValue[T any](value T) error {
	if v, ok := any(value).(interface{ Validate() error }); ok {
		return v.Validate()
	}
	if rv := reflect.ValueOf(&value); rv.Elem().Kind() != reflect.Pointer {
		if v, ok := rv.Interface().(interface{ Validate() error }); ok {
			return v.Validate()
		}
	}
	return nil
}
