package config

import "time"

// EngineConfig contains run lifecycle engine configuration.
// These values control admission, cancellation and streaming behavior.
type EngineConfig struct {
	// QueueWaitTimeout bounds how long an enqueue-strategy run blocks
	// waiting for the thread's active run. 0 means wait indefinitely.
	QueueWaitTimeout time.Duration `yaml:"queue_wait_timeout"`

	// InterruptGraceTimeout is the bounded wait for a cancelled run to
	// observe its cancellation before the new run proceeds anyway.
	InterruptGraceTimeout time.Duration `yaml:"interrupt_grace_timeout"`

	// ReplayBufferSize caps how many persisted events a reconnecting
	// subscriber fetches from the events table per catch-up batch.
	ReplayBufferSize int `yaml:"replay_buffer_size"`

	// SubscriberBufferSize is the per-subscriber channel depth. Slow
	// subscribers past this depth miss events rather than stall the run.
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`

	// MaxConcurrentBackgroundRuns caps detached (non-streaming) runs.
	MaxConcurrentBackgroundRuns int `yaml:"max_concurrent_background_runs"`

	// GracefulShutdownTimeout is the max time to wait for in-flight runs
	// during shutdown before marking them interrupted.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		QueueWaitTimeout:            0,
		InterruptGraceTimeout:       2 * time.Second,
		ReplayBufferSize:            256,
		SubscriberBufferSize:        64,
		MaxConcurrentBackgroundRuns: 64,
		GracefulShutdownTimeout:     30 * time.Second,
	}
}
