package transact

import "time"

// Config tunes one node's reconciliation engine.
type Config struct {
	// ScanInterval is how often the dependency queue is re-evaluated.
	ScanInterval time.Duration
	// JobTTL bounds how long a pending job waits for its dependencies, and
	// how long an in-transit marker is trusted before the device is asked.
	JobTTL time.Duration
	// QueueCapacity bounds each of the two dependency queues.
	QueueCapacity int
	// LSDeleteRetries and LSDeleteDelay control the deferred logical switch
	// delete issued after its references are cleared. The wait grows linearly
	// with the attempt number.
	LSDeleteRetries int
	LSDeleteDelay   time.Duration
	// IntentReadTimeout bounds the fallback read against the intent store.
	IntentReadTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:      time.Second,
		JobTTL:            30 * time.Second,
		QueueCapacity:     1000,
		LSDeleteRetries:   5,
		LSDeleteDelay:     2 * time.Second,
		IntentReadTimeout: 2 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScanInterval <= 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.JobTTL <= 0 {
		c.JobTTL = d.JobTTL
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.LSDeleteRetries <= 0 {
		c.LSDeleteRetries = d.LSDeleteRetries
	}
	if c.LSDeleteDelay < 0 {
		c.LSDeleteDelay = d.LSDeleteDelay
	}
	if c.IntentReadTimeout <= 0 {
		c.IntentReadTimeout = d.IntentReadTimeout
	}
	return c
}
