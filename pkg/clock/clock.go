// Package clock abstracts wall-clock time so retry backoff, waits and
// execution timeouts can be driven faster than real time in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Scaled runs every delay divided by factor while reporting real time from Now.
// A factor of 1000 turns a one second backoff into one millisecond.
type Scaled struct {
	Factor float64
}

func NewScaled(factor float64) *Scaled {
	if factor <= 0 {
		factor = 1
	}
	return &Scaled{Factor: factor}
}

func (s *Scaled) Now() time.Time { return time.Now().UTC() }

func (s *Scaled) After(d time.Duration) <-chan time.Time { return time.After(s.scale(d)) }

func (s *Scaled) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(s.scale(d), f)
}

func (s *Scaled) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) / s.Factor)
}
