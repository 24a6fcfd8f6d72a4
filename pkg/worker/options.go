package worker

import "time"

// Config holds worker pool configuration.
type Config struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// SweepSpec is the cron spec for the maintenance sweep (lease reclaim
	// and timeout detection). Set to "" to disable sweeping.
	SweepSpec string
	// SweepBatch bounds how many overdue runs a single sweep times out.
	SweepBatch int
}

// Option configures a worker pool.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithWorkerID sets the worker identity recorded on claims.
func WithWorkerID(id string) Option {
	return optionFunc(func(c *Config) { c.WorkerID = id })
}

// WithConcurrency sets how many runs execute at once.
func WithConcurrency(n int) Option {
	return optionFunc(func(c *Config) { c.Concurrency = n })
}

// WithPollInterval sets how often the pool polls for claimable runs.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.PollInterval = d })
}

// WithHeartbeatInterval sets how often leases on in-flight runs are extended.
func WithHeartbeatInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.HeartbeatInterval = d })
}

// WithSweepSpec sets the cron spec for the maintenance sweep.
func WithSweepSpec(spec string) Option {
	return optionFunc(func(c *Config) { c.SweepSpec = spec })
}
