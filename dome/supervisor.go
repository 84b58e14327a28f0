package dome

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/dome_interface/link"
)

// Connect opens the link, confirms the controller answers and starts the
// background tasks.
func (d *Driver) Connect(ctx context.Context) error {
	if d.closed.Load() {
		return ErrDisposed
	}
	if d.Flags.Resetting.Load() {
		return ErrResetInProgress
	}
	if d.Connected() {
		return nil
	}
	if err := d.openLink(ctx); err != nil {
		return err
	}
	d.heartbeat()
	d.notePoll()
	d.startPolling()
	d.startSupervisors()
	log.Print("driver: connected")
	return nil
}

// Disconnect stops background work and closes the link. The alarm latch and
// last known state are kept.
func (d *Driver) Disconnect() error {
	if !d.Connected() {
		return ErrNotConnected
	}
	if err := d.stopSupervisors(); err != nil {
		log.Printf("driver: %v", err)
	}
	d.stopPolling()
	d.cancelWatchdog()
	d.Flags.ForceBusy.Store(false)
	d.closeLink()
	d.notifyStatus()
	log.Print("driver: disconnected")
	return nil
}

func (d *Driver) openLink(ctx context.Context) error {
	if d.opener == nil {
		return fmt.Errorf("%w: no opener", ErrNotConnected)
	}
	port, err := d.opener()
	if err != nil {
		return fmt.Errorf("opening link: %w", err)
	}
	g := link.New(port, d.cfg.Link)
	if err := d.ping(ctx, g); err != nil {
		g.Close()
		return fmt.Errorf("controller not responding: %w", err)
	}
	d.mu.Lock()
	old := d.guard
	d.guard = g
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}
	d.Flags.ControllerReady.Store(true)
	return nil
}

func (d *Driver) closeLink() {
	d.mu.Lock()
	g := d.guard
	d.guard = nil
	d.mu.Unlock()
	d.Flags.ControllerReady.Store(false)
	if g != nil {
		g.Close()
	}
}

type supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startSupervisors runs the system watchdog and alarm monitor.
func (d *Driver) startSupervisors() {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	if d.supervisor != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	s := &supervisor{cancel: cancel, done: make(chan struct{})}
	d.supervisor = s
	d.mu.Unlock()

	ok := d.spawn(func() {
		defer close(s.done)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.systemWatchdog(ctx) })
		g.Go(func() error { return d.alarmMonitor(ctx) })
		if err := g.Wait(); err != nil {
			log.Printf("supervisor: %v", err)
		}
	})
	if !ok {
		cancel()
		close(s.done)
	}
}

// stopSupervisors cancels the supervisors and waits up to
// SupervisorStopTimeout for them to exit.
func (d *Driver) stopSupervisors() error {
	d.mu.Lock()
	s := d.supervisor
	d.supervisor = nil
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-time.After(d.cfg.SupervisorStopTimeout):
		return fmt.Errorf("%w within %v", ErrSupervisorStuck, d.cfg.SupervisorStopTimeout)
	}
}

// systemWatchdog restarts polling when no cycle has completed for
// StallThreshold.
func (d *Driver) systemWatchdog(ctx context.Context) error {
	d.Flags.SystemWatchdogRunning.Store(true)
	defer d.Flags.SystemWatchdogRunning.Store(false)
	t := time.NewTicker(d.cfg.SystemWatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if d.Flags.suspended() || !d.Connected() {
			continue
		}
		if stalled := sinceNano(d.lastPoll.Load()); stalled > d.cfg.StallThreshold {
			log.Printf("system watchdog: no poll for %v; restarting poller", stalled.Round(time.Millisecond))
			if !d.stopPollingCtx(ctx) {
				return nil
			}
			d.notePoll()
			d.startPolling()
		}
	}
}

// alarmMonitor raises the alarm when the controller has been silent for
// HeartbeatTimeout.
func (d *Driver) alarmMonitor(ctx context.Context) error {
	t := time.NewTicker(d.cfg.AlarmInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if d.Flags.Resetting.Load() || d.Flags.Rebooting.Load() {
			continue
		}
		if silent := sinceNano(d.lastHeartbeat.Load()); silent > d.cfg.HeartbeatTimeout {
			d.raiseAlarm(fmt.Sprintf("no controller heartbeat for %v", silent.Round(time.Second)))
		}
	}
}
