// Actuation scheduler: timed pump activations collected into a pending
// set and executed concurrently behind a single wait-for-all barrier.
// Each pump owns a distinct expander pin, so activations only interleave
// at their timed waits and need no lock between them; the bus transport
// underneath serializes the individual register writes.
package core

import (
	"sync"
	"time"
)

// pendingTask is one queued activation. It lives only inside the
// scheduler's pending set and is discarded once its pin went low again.
type pendingTask struct {
	pump     Pump
	duration time.Duration
}

// Scheduler queues pump activations and runs them concurrently.
type Scheduler struct {
	mu      sync.Mutex
	exp     *Expander
	clk     Clock
	pending []pendingTask
	queued  map[int]bool // pump ids with an outstanding activation
}

// NewScheduler creates a scheduler driving pins on exp, timed by clk.
func NewScheduler(exp *Expander, clk Clock) *Scheduler {
	return &Scheduler{
		exp:    exp,
		clk:    clk,
		queued: make(map[int]bool),
	}
}

// Submit queues an activation of the pump for the given duration. Two
// outstanding activations must never target the same pump: the second
// would overlap the first on one physical pin.
func (s *Scheduler) Submit(pump Pump, duration time.Duration) error {
	if duration < 0 {
		return commandErrorf("pump %d duration %v is negative", pump.ID, duration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[pump.ID] {
		return commandErrorf("pump %d already has a pending activation", pump.ID)
	}
	s.queued[pump.ID] = true
	s.pending = append(s.pending, pendingTask{pump: pump, duration: duration})
	return nil
}

// Pending reports the number of queued activations.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ExecuteAll runs every pending activation concurrently and returns once
// all of them completed, so the wall time is about the maximum of the
// durations rather than their sum. Each activation is strictly ordered on
// its own: pin high, wait, pin low. The pending set is cleared whether or
// not an activation failed; the first error is returned after the
// barrier.
func (s *Scheduler) ExecuteAll() error {
	s.mu.Lock()
	tasks := s.pending
	s.pending = nil
	s.queued = make(map[int]bool)
	s.mu.Unlock()

	errs := make(chan error, len(tasks))
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t pendingTask) {
			defer wg.Done()
			errs <- s.runTask(t)
		}(t)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runTask(t pendingTask) error {
	if err := s.exp.WritePin(t.pump.Pin, 1); err != nil {
		return err
	}
	s.clk.Sleep(t.duration)
	return s.exp.WritePin(t.pump.Pin, 0)
}
