package redisqueue

import "time"

type BackoffConfig struct {
	Initial time.Duration // default: 5 seconds
	Max     time.Duration // default: 1 hour
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: 5 * time.Second,
		Max:     time.Hour,
	}
}

// Backoff computes exponential retry delays: Initial, 2*Initial, 4*Initial, ... capped at Max.
type Backoff struct {
	cfg BackoffConfig
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{cfg: cfg}
}

// Delay returns the wait before the next attempt, given how many attempts were already made.
func (b *Backoff) Delay(attemptsMade int) time.Duration {
	d := b.cfg.Initial
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= b.cfg.Max {
			return b.cfg.Max
		}
	}
	return d
}
