package dome

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w1xm/dome_interface/link"
)

var (
	ErrResetFailed     = errors.New("reset failed")
	ErrUnrecoverable   = errors.New("controller unrecoverable")
	ErrSupervisorStuck = errors.New("supervisor did not stop")
	ErrNoPowerCycler   = errors.New("no power cycler configured")
)

// ResetKind is one rung of the escalation ladder.
type ResetKind int

const (
	SoftReset ResetKind = iota
	HardReset
)

func (k ResetKind) String() string {
	if k == HardReset {
		return "hard"
	}
	return "soft"
}

// ResetRequest selects which rungs a reset cycle may use.
type ResetRequest int

const (
	// ResetFull tries a soft reset, then a hard reset.
	ResetFull ResetRequest = iota
	ResetSoftOnly
	ResetHardOnly
)

func (r ResetRequest) String() string {
	switch r {
	case ResetSoftOnly:
		return "soft reset"
	case ResetHardOnly:
		return "hard reset"
	}
	return "reset"
}

// ResetAttempt records one rung of the most recent cycle. Skipped rungs are
// marked attempted so they are not tried.
type ResetAttempt struct {
	Kind      ResetKind
	Attempted bool
	Skipped   bool
	Succeeded bool
}

// ResetCoordinator recovers the controller. Only one cycle runs at a time.
type ResetCoordinator struct {
	d       *Driver
	running atomic.Bool
	cycles  atomic.Int64

	mu   sync.Mutex
	last []ResetAttempt
}

// Running reports whether a cycle is in progress.
func (r *ResetCoordinator) Running() bool {
	return r.running.Load()
}

// Cycles counts reset cycles that got past the single-flight check.
func (r *ResetCoordinator) Cycles() int64 {
	return r.cycles.Load()
}

// Attempts returns the record of the most recent cycle.
func (r *ResetCoordinator) Attempts() []ResetAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ResetAttempt(nil), r.last...)
}

func (r *ResetCoordinator) record(attempts []ResetAttempt) {
	r.mu.Lock()
	r.last = append(r.last[:0], attempts...)
	r.mu.Unlock()
}

// Run executes one reset cycle. A concurrent call returns ErrResetInProgress
// without touching any state.
func (r *ResetCoordinator) Run(ctx context.Context, req ResetRequest) error {
	if !r.running.CompareAndSwap(false, true) {
		log.Printf("reset: %v requested while a reset is running; ignored", req)
		return ErrResetInProgress
	}
	defer r.running.Store(false)
	r.cycles.Add(1)

	d := r.d
	d.Flags.Resetting.Store(true)
	log.Printf("reset: starting %v", req)
	d.notify(EventMessage, fmt.Sprintf("%v started", req))

	d.stateMu.RLock()
	intent, target, replays := d.intent, d.target, d.replays
	d.stateMu.RUnlock()

	recovered, err := r.recover(ctx, req)
	d.Flags.Rebooting.Store(false)
	d.Flags.Resetting.Store(false)
	if err != nil {
		return err
	}
	if !recovered {
		d.startPolling()
		d.startSupervisors()
		return ErrResetFailed
	}

	d.Flags.ControllerReady.Store(true)
	d.heartbeat()
	d.notePoll()
	d.startPolling()
	d.startSupervisors()
	log.Printf("reset: %v succeeded", req)
	d.notify(EventMessage, fmt.Sprintf("%v succeeded", req))

	switch {
	case intent == IntentNone:
	case replays >= d.cfg.MaxReplays:
		log.Printf("reset: not replaying %v; %d replays already made", intent, replays)
		d.clearIntent(intent)
	default:
		log.Printf("reset: replaying %v", intent)
		d.spawn(func() {
			if err := d.issue(intent, target, true); err != nil {
				log.Printf("reset: replaying %v: %v", intent, err)
			}
		})
	}
	return nil
}

// recover runs the escalation ladder. It returns an error when the cycle was
// aborted or ended in the terminal state, and false when only a soft reset was
// allowed and it failed.
func (r *ResetCoordinator) recover(ctx context.Context, req ResetRequest) (bool, error) {
	d := r.d
	deadline := time.Now().Add(d.cfg.CommandWaitTimeout)
	for d.Flags.CommandInProgress.Load() {
		if time.Now().After(deadline) {
			return false, fmt.Errorf("%w: command still in progress after %v", ErrResetFailed, d.cfg.CommandWaitTimeout)
		}
		if !sleepCtx(ctx, 10*time.Millisecond) {
			return false, ctx.Err()
		}
	}

	d.cancelWatchdog()
	if err := d.stopSupervisors(); err != nil {
		d.raiseAlarm(fmt.Sprintf("reset aborted: %v", err))
		return false, err
	}
	d.stopPolling()

	attempts := []ResetAttempt{{Kind: SoftReset}, {Kind: HardReset}}
	switch req {
	case ResetHardOnly:
		attempts[0].Attempted, attempts[0].Skipped = true, true
	case ResetSoftOnly:
		attempts[1].Attempted, attempts[1].Skipped = true, true
	}

	if !attempts[0].Attempted {
		attempts[0].Attempted = true
		if err := r.softReset(ctx); err != nil {
			log.Printf("reset: soft reset failed: %v", err)
		} else {
			attempts[0].Succeeded = true
		}
		r.record(attempts)
	}
	if !attempts[0].Succeeded && !attempts[1].Attempted {
		attempts[1].Attempted = true
		if err := r.hardReset(ctx); err != nil {
			log.Printf("reset: hard reset failed: %v", err)
		} else {
			attempts[1].Succeeded = true
		}
	}
	r.record(attempts)

	switch {
	case attempts[0].Succeeded || attempts[1].Succeeded:
		return true, nil
	case !attempts[1].Skipped:
		msg := "controller unrecoverable: soft and hard reset failed"
		if attempts[0].Skipped {
			msg = "controller unrecoverable: hard reset failed"
		}
		d.raiseAlarm(msg)
		return false, ErrUnrecoverable
	}
	return false, nil
}

func (r *ResetCoordinator) softReset(ctx context.Context) error {
	d := r.d
	g := d.link()
	if g == nil {
		return ErrNotConnected
	}
	d.Flags.Rebooting.Store(true)
	log.Print("reset: restarting controller")
	if _, err := g.Send(cmdRestart, false); err != nil {
		return err
	}
	return r.awaitRestart(ctx, g)
}

func (r *ResetCoordinator) hardReset(ctx context.Context) error {
	d := r.d
	if d.cycler == nil {
		return ErrNoPowerCycler
	}
	d.Flags.Rebooting.Store(true)
	d.closeLink()

	log.Print("reset: power cycling controller")
	if err := r.setPower(ctx, false); err != nil {
		return err
	}
	if !sleepCtx(ctx, d.cfg.PowerOffDelay) {
		return ctx.Err()
	}
	if err := r.setPower(ctx, true); err != nil {
		return err
	}
	if !sleepCtx(ctx, d.cfg.PowerOnDelay) {
		return ctx.Err()
	}
	if err := d.openLink(ctx); err != nil {
		return err
	}
	return r.awaitRestart(ctx, d.link())
}

func (r *ResetCoordinator) setPower(ctx context.Context, on bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.d.cfg.PowerTimeout)
	defer cancel()
	if err := r.d.cycler.SetPower(ctx, on); err != nil {
		return fmt.Errorf("setting power %v: %w", on, err)
	}
	return nil
}

// awaitRestart polls status until the controller reports a well-formed
// record with a healthy shutter, then waits for it to settle.
func (r *ResetCoordinator) awaitRestart(ctx context.Context, g *link.Guard) error {
	d := r.d
	if g == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(d.cfg.RebootTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := g.Send(cmdStatus, true)
		if err == nil {
			s, perr := ParseStatus(link.Line(resp))
			if perr == nil && s.Shutter != ShutterError {
				if !sleepCtx(ctx, d.cfg.RebootSettle) {
					return ctx.Err()
				}
				d.Flags.Rebooting.Store(false)
				d.heartbeat()
				return nil
			}
			err = perr
			if err == nil {
				err = errors.New("shutter reports error")
			}
		}
		lastErr = err
		if !sleepCtx(ctx, d.cfg.StatusRetryDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("controller did not come back within %v: %v", d.cfg.RebootTimeout, lastErr)
}
