package monitor

import (
	"io"
	"log/slog"
	"time"
)

// DefaultBufferSize is the size of the directory change buffer handed to the
// kernel on every arm.
const DefaultBufferSize = 1024

// DefaultProcessPollInterval is how often a ProcessMonitor rescans the
// process table while waiting for a change.
const DefaultProcessPollInterval = 500 * time.Millisecond

type options struct {
	logger       *slog.Logger
	bufferSize   int
	batch        bool
	pollInterval time.Duration
	lister       processLister
}

// Option configures a monitor. Options that do not apply to a monitor kind
// are ignored by it.
type Option func(*options)

// WithLogger sets the logger used for debug records. Monitors are silent by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBufferSize overrides DefaultBufferSize for a FileMonitor. Values below
// one record header are ignored.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n >= 16 {
			o.bufferSize = n
		}
	}
}

// WithBatchDecoding makes a FileMonitor retain every record of the last
// completed read, available through Records. The event accessors still
// report only the first record.
func WithBatchDecoding() Option {
	return func(o *options) { o.batch = true }
}

// WithPollInterval overrides DefaultProcessPollInterval for a ProcessMonitor.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		bufferSize:   DefaultBufferSize,
		pollInterval: DefaultProcessPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
