package dome

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type watchdogProbe struct {
	successes atomic.Int32
	failures  atomic.Int32
	resets    atomic.Int32
	busy      atomic.Bool
}

func (p *watchdogProbe) config(timeout time.Duration, check func() Completion) WatchdogConfig {
	p.busy.Store(true)
	return WatchdogConfig{
		Intent:    IntentOpenShutter,
		Timeout:   timeout,
		Tick:      2 * time.Millisecond,
		Check:     check,
		OnSuccess: func(*Watchdog) { p.successes.Add(1) },
		OnFailure: func(*Watchdog) { p.failures.Add(1) },
		Reset:     func() { p.resets.Add(1) },
		ForceBusy: &p.busy,
	}
}

func inProgress() Completion { return InProgress }

func TestWatchdogTimeoutResetsOnce(t *testing.T) {
	var p watchdogProbe
	w := NewWatchdog(p.config(30*time.Millisecond, inProgress))
	w.Run(context.Background())

	if got := w.Result(); got != ResultTimeout {
		t.Fatalf("result = %v, want timeout", got)
	}
	if w.MarkFailure() || w.MarkSuccess() {
		t.Error("late resolution was accepted")
	}
	w.Cancel()
	if got := p.resets.Load(); got != 1 {
		t.Errorf("reset invoked %d times, want 1", got)
	}
	if got := p.failures.Load(); got != 1 {
		t.Errorf("failure sink invoked %d times, want 1", got)
	}
	if p.successes.Load() != 0 {
		t.Error("success sink invoked")
	}
	if p.busy.Load() {
		t.Error("force-busy not cleared")
	}
}

func TestWatchdogCompletes(t *testing.T) {
	var p watchdogProbe
	var calls atomic.Int32
	w := NewWatchdog(p.config(time.Second, func() Completion {
		if calls.Add(1) < 3 {
			return InProgress
		}
		return Complete
	}))
	w.Run(context.Background())

	if got := w.Result(); got != ResultSuccess {
		t.Fatalf("result = %v, want success", got)
	}
	if p.successes.Load() != 1 || p.failures.Load() != 0 || p.resets.Load() != 0 {
		t.Errorf("sinks: success=%d failure=%d reset=%d", p.successes.Load(), p.failures.Load(), p.resets.Load())
	}
	if p.busy.Load() {
		t.Error("force-busy not cleared")
	}
}

func TestWatchdogControllerError(t *testing.T) {
	var p watchdogProbe
	w := NewWatchdog(p.config(time.Second, func() Completion { return Failed }))
	w.Run(context.Background())

	if got := w.Result(); got != ResultError {
		t.Fatalf("result = %v, want error", got)
	}
	if p.resets.Load() != 1 {
		t.Errorf("reset invoked %d times, want 1", p.resets.Load())
	}
}

func TestWatchdogMarkSuccessWinsOverTimeout(t *testing.T) {
	var p watchdogProbe
	w := NewWatchdog(p.config(50*time.Millisecond, inProgress))
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	if !w.MarkSuccess() {
		t.Fatal("MarkSuccess rejected on a pending watchdog")
	}
	<-done
	time.Sleep(60 * time.Millisecond)
	if got := w.Result(); got != ResultSuccess {
		t.Errorf("result = %v, want success", got)
	}
	if p.resets.Load() != 0 || p.failures.Load() != 0 {
		t.Error("failure path ran after success")
	}
}

func TestWatchdogCancel(t *testing.T) {
	var p watchdogProbe
	w := NewWatchdog(p.config(time.Second, inProgress))
	go w.Run(context.Background())
	time.Sleep(10 * time.Millisecond)
	w.Cancel()

	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
	if got := w.Result(); got != ResultCancelled {
		t.Errorf("result = %v, want cancelled", got)
	}
	if p.successes.Load()+p.failures.Load()+p.resets.Load() != 0 {
		t.Error("sink invoked on cancel")
	}
	if !p.busy.Load() {
		t.Error("cancel cleared force-busy")
	}
}

func TestWatchdogContextCancel(t *testing.T) {
	var p watchdogProbe
	w := NewWatchdog(p.config(time.Second, inProgress))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)
	if got := w.Result(); got != ResultCancelled {
		t.Errorf("result = %v, want cancelled", got)
	}
	if p.resets.Load() != 0 {
		t.Error("reset invoked on context cancel")
	}
}
