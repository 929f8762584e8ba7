package clock

import "time"

// Clock abstracts wall time so components that make time-based decisions
// (quota resets, staleness checks, interval transitions) can be tested
// without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }
