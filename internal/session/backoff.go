package session

import "time"

// Backoff computes reconnect delays as min(Base * 2^attempt, Cap).
type Backoff struct {
	// Base is the delay before the first reconnect (default: 1s).
	Base time.Duration

	// Cap is the ceiling for backoff growth (default: 30s).
	Cap time.Duration
}

// DefaultBackoff returns the 1s, 2s, 4s, ... 30s schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: time.Second,
		Cap:  30 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt number attempt,
// counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Cap <= 0 {
		b.Cap = def.Cap
	}
	return b
}
