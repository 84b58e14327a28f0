package dome

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Result is the terminal state of a Watchdog.
type Result int

const (
	ResultPending Result = iota
	ResultSuccess
	ResultFailure
	ResultTimeout
	ResultError
	ResultCancelled
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultTimeout:
		return "timeout"
	case ResultError:
		return "error"
	}
	return "cancelled"
}

// WatchdogConfig describes one action watchdog.
type WatchdogConfig struct {
	Intent  Intent
	Target  float64
	Timeout time.Duration
	Tick    time.Duration
	// Check is evaluated every tick.
	Check func() Completion
	// OnSuccess and OnFailure are the result sinks.
	OnSuccess func(w *Watchdog)
	OnFailure func(w *Watchdog)
	// Reset, if set, is invoked after a failed resolution.
	Reset func()
	// ForceBusy is cleared on every terminal resolution.
	ForceBusy *atomic.Bool
}

// Watchdog bounds the completion time of one issued intent. Its result is
// assigned once; later resolutions are ignored.
type Watchdog struct {
	cfg WatchdogConfig
	gen uint64
	// seq is the last snapshot sequence seen before the command was sent.
	seq uint64

	mu     sync.Mutex
	result Result

	done    chan struct{}
	exited  chan struct{}
	started atomic.Bool
}

// NewWatchdog returns an unstarted watchdog.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	if cfg.Tick <= 0 {
		cfg.Tick = 250 * time.Millisecond
	}
	return &Watchdog{
		cfg:    cfg,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (w *Watchdog) Intent() Intent     { return w.cfg.Intent }
func (w *Watchdog) Target() float64    { return w.cfg.Target }
func (w *Watchdog) Generation() uint64 { return w.gen }

// Done is closed once the watchdog has a result, including cancellation.
func (w *Watchdog) Done() <-chan struct{} { return w.done }

func (w *Watchdog) Result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Run polls Check until a result is reached, the timeout elapses or ctx is
// cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.started.Store(true)
	defer close(w.exited)
	deadline := time.NewTimer(w.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.resolve(ResultCancelled)
			return
		case <-w.done:
			return
		case <-deadline.C:
			log.Printf("watchdog: %v timed out after %v", w.cfg.Intent, w.cfg.Timeout)
			w.resolve(ResultTimeout)
			return
		case <-ticker.C:
			if w.cfg.Check == nil {
				continue
			}
			switch w.cfg.Check() {
			case Complete:
				w.resolve(ResultSuccess)
				return
			case Failed:
				log.Printf("watchdog: %v reported a controller error", w.cfg.Intent)
				w.resolve(ResultError)
				return
			}
		}
	}
}

// MarkSuccess resolves the watchdog immediately. It reports whether this call
// assigned the result.
func (w *Watchdog) MarkSuccess() bool {
	return w.resolve(ResultSuccess)
}

// MarkFailure resolves the watchdog as failed, triggering the reset callback.
func (w *Watchdog) MarkFailure() bool {
	return w.resolve(ResultFailure)
}

// Cancel resolves the watchdog without invoking any sink and waits, bounded,
// for Run to return.
func (w *Watchdog) Cancel() {
	w.resolve(ResultCancelled)
	if !w.started.Load() {
		return
	}
	select {
	case <-w.exited:
	case <-time.After(w.cfg.Tick + time.Second):
		log.Printf("watchdog: %v did not exit after cancel", w.cfg.Intent)
	}
}

func (w *Watchdog) resolve(r Result) bool {
	w.mu.Lock()
	if w.result != ResultPending {
		w.mu.Unlock()
		return false
	}
	w.result = r
	close(w.done)
	w.mu.Unlock()

	if r == ResultCancelled {
		return true
	}
	if w.cfg.ForceBusy != nil {
		w.cfg.ForceBusy.Store(false)
	}
	if r == ResultSuccess {
		if w.cfg.OnSuccess != nil {
			w.cfg.OnSuccess(w)
		}
		return true
	}
	if w.cfg.OnFailure != nil {
		w.cfg.OnFailure(w)
	}
	if w.cfg.Reset != nil {
		w.cfg.Reset()
	}
	return true
}
