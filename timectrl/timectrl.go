// Package timectrl tracks simulation time as reported by the control system.
package timectrl

import (
	"slices"
	"sync"
)

// StepClock records the most recent simulation timestep and notifies
// registered listeners whenever it advances.
//
// The control system drives time; the clock never advances on its own.
type StepClock struct {
	mu        sync.RWMutex
	current   int32
	started   bool
	listeners []func(int32)
}

// NewStepClock constructs a clock that has not seen any step yet.
func NewStepClock() *StepClock {
	return &StepClock{}
}

// Current returns the latest timestep and whether any step has been seen.
func (c *StepClock) Current() (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.started
}

// AddListener registers a callback invoked with every new step.
func (c *StepClock) AddListener(fn func(int32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Advance records step. Repeating the current step is accepted without
// notifying listeners; a step earlier than the current one is rejected and
// false is returned.
func (c *StepClock) Advance(step int32) bool {
	c.mu.Lock()
	if c.started && step < c.current {
		c.mu.Unlock()
		return false
	}
	changed := !c.started || step != c.current
	c.current = step
	c.started = true
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(step)
		}
	}
	return true
}
