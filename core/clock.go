package core

import "time"

// Clock abstracts wall time for the drivers and the scheduler so tests can
// simulate elapsed time without real delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// pollUntil repeatedly evaluates ready, sleeping interval between
// attempts, until ready reports true or deadline passes. It returns false
// on deadline expiry; errors from ready are returned as-is.
func pollUntil(clk Clock, deadline time.Time, interval time.Duration, ready func() (bool, error)) (bool, error) {
	for {
		ok, err := ready()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if clk.Now().After(deadline) {
			return false, nil
		}
		clk.Sleep(interval)
	}
}
