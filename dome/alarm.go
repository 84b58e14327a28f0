package dome

import (
	"sync"
	"time"
)

// Alarm is a latch: it transitions to raised at most once until cleared.
type Alarm struct {
	mu      sync.Mutex
	raised  bool
	message string
	since   time.Time
	onRaise func(message string)
}

// Raise latches the alarm. It returns false, and does nothing, if the alarm
// is already raised.
func (a *Alarm) Raise(message string) bool {
	a.mu.Lock()
	if a.raised {
		a.mu.Unlock()
		return false
	}
	a.raised = true
	a.message = message
	a.since = time.Now()
	cb := a.onRaise
	a.mu.Unlock()
	if cb != nil {
		cb(message)
	}
	return true
}

// Clear resets the latch. It reports whether the alarm was raised.
func (a *Alarm) Clear() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.raised
	a.raised = false
	a.message = ""
	a.since = time.Time{}
	return was
}

// State returns whether the alarm is raised and its message.
func (a *Alarm) State() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raised, a.message
}
