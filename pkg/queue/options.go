package queue

import "go.uber.org/zap"

// DefaultMaxAttempts bounds automatic retries unless configured otherwise.
const DefaultMaxAttempts = 3

// Options holds queue configuration.
type Options struct {
	// MaxAttempts is the attempt count at which a failed job is no longer
	// retried automatically.
	MaxAttempts int

	// RetryOnFail spawns a retry when the executor explicitly reports a
	// failure, not only when the reaper forces one.
	RetryOnFail bool

	Logger *zap.Logger
}

// Option modifies Options.
type Option func(*Options)

// WithMaxAttempts sets the automatic retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithRetryOnFail enables retry on explicitly reported failures.
func WithRetryOnFail(enabled bool) Option {
	return func(o *Options) {
		o.RetryOnFail = enabled
	}
}

// WithLogger sets the queue's logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Options) {
		if log != nil {
			o.Logger = log
		}
	}
}

func newOptions(opts []Option) Options {
	o := Options{
		MaxAttempts: DefaultMaxAttempts,
		Logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
