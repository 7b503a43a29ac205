package netmux

import "time"

// defaultWriteTimeout bounds how long a single queued write may block the
// socket's loop goroutine before it is treated as a transport failure.
const defaultWriteTimeout = 30 * time.Second

// defaultRequestQueueSize is the buffer depth of the channel standing in
// for the source's uv_async-backed request queue. It only needs to be
// deep enough that a burst of Write calls never blocks its caller behind
// a socket that is momentarily busy draining a prior burst.
const defaultRequestQueueSize = 64

// socketOptions holds the configuration for a Socket.
type socketOptions struct {
	logger           Logger
	readTimeout      time.Duration
	writeTimeout     time.Duration
	requestQueueSize int
	metrics          *Metrics
}

// SocketOption configures a Socket.
type SocketOption func(*socketOptions)

func defaultSocketOptions() socketOptions {
	return socketOptions{
		logger:           defaultLogger(),
		writeTimeout:     defaultWriteTimeout,
		requestQueueSize: defaultRequestQueueSize,
	}
}

// WithSocketLogger returns a SocketOption that sets the logger. If not
// set, the default slog logger is used.
func WithSocketLogger(logger Logger) SocketOption {
	return func(o *socketOptions) {
		o.logger = logger
	}
}

// WithReadTimeout returns a SocketOption that closes the connection after
// d of read inactivity. Zero (the default) disables the timeout.
func WithReadTimeout(d time.Duration) SocketOption {
	return func(o *socketOptions) {
		o.readTimeout = d
	}
}

// WithWriteTimeout returns a SocketOption bounding how long a single
// queued write may block before the connection is treated as failed.
func WithWriteTimeout(d time.Duration) SocketOption {
	return func(o *socketOptions) {
		o.writeTimeout = d
	}
}

// WithRequestQueueSize returns a SocketOption that sets the depth of the
// internal request channel. Most callers never need this; it exists for
// workloads issuing very large bursts of concurrent Write calls.
func WithRequestQueueSize(n int) SocketOption {
	return func(o *socketOptions) {
		if n > 0 {
			o.requestQueueSize = n
		}
	}
}

// WithSocketMetrics returns a SocketOption that attaches a Metrics
// collector, created with NewMetrics and registered with a
// prometheus.Registerer by the caller.
func WithSocketMetrics(m *Metrics) SocketOption {
	return func(o *socketOptions) {
		o.metrics = m
	}
}
