package sla

import "time"

// Clock abstracts wall-clock reads so sweeps and deadline math run against
// fixed instants in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the production clock (UTC).
func SystemClock() Clock { return systemClock{} }
