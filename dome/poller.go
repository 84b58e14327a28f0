package dome

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/w1xm/dome_interface/link"
	"github.com/w1xm/dome_interface/retry"
)

// errThrottleAfter consecutive failed cycles double the poll interval.
const errThrottleAfter = 3

// Poller is the background telemetry loop. At most one runs per driver.
type Poller struct {
	d      *Driver
	cancel context.CancelFunc
	done   chan struct{}
}

// startPolling starts the poller if the link is up and none is running.
func (d *Driver) startPolling() {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	if d.poller != nil || d.guard == nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	p := &Poller{d: d, cancel: cancel, done: make(chan struct{})}
	d.poller = p
	d.mu.Unlock()

	if !d.spawn(func() { p.run(ctx) }) {
		cancel()
		d.mu.Lock()
		if d.poller == p {
			d.poller = nil
		}
		d.mu.Unlock()
		close(p.done)
	}
}

// stopPolling cancels the poller and waits for its in-flight cycle.
func (d *Driver) stopPolling() {
	d.stopPollingCtx(context.Background())
}

// stopPollingCtx is stopPolling with the wait also ended by ctx. It reports
// false if ctx ended the wait.
func (d *Driver) stopPollingCtx(ctx context.Context) bool {
	d.mu.Lock()
	p := d.poller
	d.poller = nil
	d.mu.Unlock()
	if p == nil {
		return true
	}
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		return false
	case <-time.After(d.pollStopTimeout()):
		log.Printf("poller: did not stop within %v", d.pollStopTimeout())
	}
	return true
}

// pollStopTimeout covers one full cycle of retried queries.
func (d *Driver) pollStopTimeout() time.Duration {
	per := d.cfg.Link.ReadTimeout + d.cfg.StatusRetryDelay
	return 3*time.Duration(d.cfg.StatusAttempts)*per + d.cfg.PollInterval
}

func (p *Poller) run(ctx context.Context) {
	d := p.d
	defer func() {
		d.mu.Lock()
		if d.poller == p {
			d.poller = nil
		}
		d.mu.Unlock()
		d.Flags.PollingActive.Store(false)
		close(p.done)
	}()

	if !p.waitStartup(ctx) {
		return
	}
	d.Flags.PollingActive.Store(true)
	d.notePoll()

	errs := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		next := d.cfg.PollInterval
		if d.Flags.suspended() {
			timer.Reset(next)
			continue
		}
		if err := p.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			errs++
			log.Printf("poller: cycle failed (%d consecutive): %v", errs, err)
			if errs >= d.cfg.PollErrorCeiling {
				d.pollingFailed(err)
				return
			}
			if errs >= errThrottleAfter {
				next += d.cfg.PollInterval
			}
		} else {
			errs = 0
		}
		timer.Reset(next)
	}
}

// waitStartup waits, bounded, for a command or reboot to finish. It returns
// false only if ctx was cancelled.
func (p *Poller) waitStartup(ctx context.Context) bool {
	d := p.d
	deadline := time.Now().Add(d.cfg.PollStartupTimeout)
	for d.Flags.CommandInProgress.Load() || d.Flags.Rebooting.Load() {
		if time.Now().After(deadline) {
			log.Printf("poller: still blocked after %v; starting anyway", d.cfg.PollStartupTimeout)
			return true
		}
		if !sleepCtx(ctx, 50*time.Millisecond) {
			return false
		}
	}
	return ctx.Err() == nil
}

// cycle queries status, home and park and applies them as one snapshot.
func (p *Poller) cycle(ctx context.Context) error {
	d := p.d
	g := d.link()
	if g == nil {
		return ErrNotConnected
	}
	if g.Busy() {
		return nil
	}
	resp, err := retry.Do(ctx, d.statusPolicy("status"), func() (string, error) {
		return g.Send(cmdStatus, true)
	}, nil)
	if err != nil {
		return fmt.Errorf("querying status: %w", err)
	}
	s, err := ParseStatus(link.Line(resp))
	if err != nil {
		return err
	}
	if s.Home, err = d.queryFlag(ctx, g, cmdHomeStatus); err != nil {
		return err
	}
	if s.Park, err = d.queryFlag(ctx, g, cmdParkStatus); err != nil {
		return err
	}

	state, intent, target := d.apply(s)
	d.notePoll()
	d.heartbeat()
	d.checkIntent(state, intent, target)
	d.notifyStatus()
	return nil
}

func (d *Driver) queryFlag(ctx context.Context, g *link.Guard, cmd string) (bool, error) {
	v, err := retry.Do(ctx, d.statusPolicy(cmd), func() (bool, error) {
		resp, err := g.Send(cmd, true)
		if err != nil {
			return false, err
		}
		return parseFlag(link.Line(resp))
	}, nil)
	if err != nil {
		return false, fmt.Errorf("querying %s: %w", cmd, err)
	}
	return v, nil
}

// pollingFailed is the poller's terminal path: the alarm is raised and the
// link torn down.
func (d *Driver) pollingFailed(err error) {
	msg := fmt.Sprintf("polling failed %d times in a row: %v", d.cfg.PollErrorCeiling, err)
	log.Printf("poller: %s", msg)
	d.raiseAlarm(msg)
	d.spawn(func() {
		if err := d.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
			log.Printf("poller: disconnecting: %v", err)
		}
	})
}

// sleepCtx sleeps for dur and reports whether ctx is still live.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
