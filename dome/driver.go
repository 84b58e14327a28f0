// Package dome commands and supervises an observatory dome controller over a
// serial link. A Driver keeps its view of the dome consistent with the
// controller by polling telemetry in the background, bounding every action
// with a watchdog and escalating failures through soft and hard resets.
package dome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w1xm/dome_interface/link"
	"github.com/w1xm/dome_interface/retry"
)

var (
	ErrDisposed          = errors.New("driver closed")
	ErrNotConnected      = errors.New("not connected")
	ErrNotReady          = errors.New("controller not ready")
	ErrCommandInProgress = errors.New("command in progress")
	ErrActionInProgress  = errors.New("action in progress")
	ErrResetInProgress   = errors.New("reset in progress")
	ErrInvalidAzimuth    = errors.New("azimuth out of range")
	ErrUnknownAction     = errors.New("unknown action")
)

// Driver is the device-control engine for one dome.
type Driver struct {
	cfg            Config
	opener         Opener
	cycler         PowerCycler
	notifier       Notifier
	publisher      Publisher
	statusCallback StatusCallback

	Flags Flags
	alarm Alarm

	stateMu sync.RWMutex
	state   DeviceState
	intent  Intent
	target  float64
	replays int

	mu         sync.Mutex
	guard      *link.Guard
	poller     *Poller
	supervisor *supervisor
	watchdog   *Watchdog
	wdGen      uint64

	resets *ResetCoordinator

	lastPoll      atomic.Int64
	lastHeartbeat atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	taskMu sync.Mutex
	tasks  sync.WaitGroup
	closed atomic.Bool
}

// Option configures optional collaborators.
type Option func(*Driver)

func WithPowerCycler(c PowerCycler) Option {
	return func(d *Driver) { d.cycler = c }
}

func WithNotifier(n Notifier) Option {
	return func(d *Driver) { d.notifier = n }
}

func WithPublisher(p Publisher) Option {
	return func(d *Driver) { d.publisher = p }
}

func WithStatusCallback(cb StatusCallback) Option {
	return func(d *Driver) { d.statusCallback = cb }
}

// New returns a disconnected driver. opener is called on Connect and after a
// hard reset.
func New(cfg Config, opener Opener, opts ...Option) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		cfg:    cfg,
		opener: opener,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.resets = &ResetCoordinator{d: d}
	d.alarm.onRaise = d.alarmRaised
	return d
}

// spawn runs fn as a task owned by the driver. It returns false once the
// driver is closed.
func (d *Driver) spawn(fn func()) bool {
	d.taskMu.Lock()
	defer d.taskMu.Unlock()
	if d.closed.Load() {
		return false
	}
	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		fn()
	}()
	return true
}

// Close cancels every background task and force-closes the link.
func (d *Driver) Close() error {
	d.taskMu.Lock()
	if !d.closed.CompareAndSwap(false, true) {
		d.taskMu.Unlock()
		return nil
	}
	d.taskMu.Unlock()
	d.cancel()
	d.cancelWatchdog()
	d.closeLink()

	done := make(chan struct{})
	go func() {
		d.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(d.cfg.SupervisorStopTimeout + d.cfg.Link.ReadTimeout):
		return errors.New("background tasks did not exit")
	}
}

func (d *Driver) link() *link.Guard {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guard
}

// Connected reports whether a link is installed.
func (d *Driver) Connected() bool {
	return d.link() != nil
}

func (d *Driver) heartbeat() {
	d.lastHeartbeat.Store(time.Now().UnixNano())
}

func (d *Driver) notePoll() {
	d.lastPoll.Store(time.Now().UnixNano())
}

func sinceNano(v int64) time.Duration {
	return time.Since(time.Unix(0, v))
}

func (d *Driver) isAck(resp string) bool {
	return link.Line(resp) == d.cfg.AckWord
}

func (d *Driver) statusPolicy(name string) retry.Policy {
	return retry.Policy{Name: name, Attempts: d.cfg.StatusAttempts, Delay: d.cfg.StatusRetryDelay}
}

// sendAck sends cmd and waits for the acknowledgement token.
func (d *Driver) sendAck(ctx context.Context, g *link.Guard, cmd string) error {
	_, err := retry.Do(ctx, retry.Policy{Name: cmd, Attempts: d.cfg.AckAttempts, Delay: d.cfg.AckDelay}, func() (string, error) {
		return g.Send(cmd, true)
	}, d.isAck)
	if err == nil {
		d.heartbeat()
	}
	return err
}

func (d *Driver) ping(ctx context.Context, g *link.Guard) error {
	_, err := retry.Do(ctx, retry.Policy{Name: "ping", Attempts: d.cfg.PingAttempts, Delay: d.cfg.PingDelay, Exponential: true}, func() (string, error) {
		return g.Send(cmdPing, true)
	}, d.isAck)
	if err == nil {
		d.heartbeat()
	}
	return err
}

// State returns the last applied telemetry.
func (d *Driver) State() DeviceState {
	s, _, _ := d.snapshot()
	return s
}

func (d *Driver) snapshot() (DeviceState, Intent, float64) {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state, d.intent, d.target
}

// CurrentIntent returns the active intent and its target azimuth.
func (d *Driver) CurrentIntent() (Intent, float64) {
	_, i, t := d.snapshot()
	return i, t
}

func (d *Driver) Azimuth() float64            { return d.State().Azimuth }
func (d *Driver) ShutterStatus() ShutterState { return d.State().Shutter }
func (d *Driver) AtHome() bool                { return d.State().Home }
func (d *Driver) AtPark() bool                { return d.State().Park }

// Slewing reports whether the dome or shutter is moving or an action has just
// been issued.
func (d *Driver) Slewing() bool {
	return d.Flags.ForceBusy.Load() || d.Flags.Slewing.Load()
}

// Alarm returns the alarm latch state.
func (d *Driver) Alarm() (bool, string) {
	return d.alarm.State()
}

// Resets exposes the reset coordinator.
func (d *Driver) Resets() *ResetCoordinator {
	return d.resets
}

// Status assembles a full snapshot.
func (d *Driver) Status() Status {
	s, intent, target := d.snapshot()
	raised, msg := d.alarm.State()
	return Status{
		DeviceState:   s,
		Intent:        intent,
		TargetAzimuth: target,
		Flags:         d.Flags.Snapshot(),
		Connected:     d.Connected(),
		Alarm:         raised,
		AlarmMessage:  msg,
	}
}

// setIntent records a newly issued intent. Replays count against MaxReplays;
// a fresh issuance resets the count.
func (d *Driver) setIntent(intent Intent, target float64, replay bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.intent = intent
	d.target = target
	if replay {
		d.replays++
	} else {
		d.replays = 0
	}
}

// clearIntent sets the intent to none if it is still intent.
func (d *Driver) clearIntent(intent Intent) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.intent == intent {
		d.intent = IntentNone
	}
}

// apply publishes a parsed record as the current state in one step.
func (d *Driver) apply(s DeviceState) (DeviceState, Intent, float64) {
	d.stateMu.Lock()
	s.Seq = d.state.Seq + 1
	s.Updated = time.Now()
	s.Slewing = slewing(s, d.Flags.ForceBusy.Load())
	d.state = s
	intent, target := d.intent, d.target
	d.stateMu.Unlock()
	d.Flags.Slewing.Store(s.Slewing)
	return s, intent, target
}

func (d *Driver) OpenShutter() error  { return d.issue(IntentOpenShutter, 0, false) }
func (d *Driver) CloseShutter() error { return d.issue(IntentCloseShutter, 0, false) }
func (d *Driver) FindHome() error     { return d.issue(IntentGoHome, 0, false) }
func (d *Driver) Park() error         { return d.issue(IntentPark, 0, false) }

// SlewToAzimuth rotates the dome to degrees in [0, 360].
func (d *Driver) SlewToAzimuth(degrees float64) error {
	if math.IsNaN(degrees) || degrees < 0 || degrees > 360 {
		return fmt.Errorf("%w: %v", ErrInvalidAzimuth, degrees)
	}
	return d.issue(IntentSlewAzimuth, degrees, false)
}

// startCommand checks preconditions and takes the command slot. The returned
// func releases it and resumes polling.
func (d *Driver) startCommand() (*link.Guard, func(), error) {
	if d.closed.Load() {
		return nil, nil, ErrDisposed
	}
	g := d.link()
	if g == nil {
		return nil, nil, ErrNotConnected
	}
	if !d.Flags.ControllerReady.Load() {
		return nil, nil, ErrNotReady
	}
	if d.Flags.Resetting.Load() || d.Flags.Rebooting.Load() {
		log.Printf("driver: command rejected: %v", ErrResetInProgress)
		return nil, nil, ErrResetInProgress
	}
	if !d.Flags.CommandInProgress.CompareAndSwap(false, true) {
		return nil, nil, ErrCommandInProgress
	}
	if d.Flags.Resetting.Load() {
		d.Flags.CommandInProgress.Store(false)
		return nil, nil, ErrResetInProgress
	}
	d.stopPolling()
	return g, func() {
		d.startPolling()
		d.Flags.CommandInProgress.Store(false)
	}, nil
}

// issue sends the command for intent once and arms a watchdog for it. Failures
// after the command is accepted surface through the watchdog, reset and alarm
// paths rather than as an error here.
func (d *Driver) issue(intent Intent, target float64, replay bool) error {
	cmd, err := commandFor(intent, target)
	if err != nil {
		return err
	}
	if w := d.currentWatchdog(); w != nil && w.Result() == ResultPending {
		return fmt.Errorf("%w: %v", ErrActionInProgress, w.Intent())
	}
	g, done, err := d.startCommand()
	if err != nil {
		return err
	}
	defer done()

	d.setIntent(intent, target, replay)
	d.Flags.ForceBusy.Store(true)
	seq := d.State().Seq
	log.Printf("driver: issuing %v (%q)", intent, cmd)
	if err := d.sendAck(d.ctx, g, cmd); err != nil {
		log.Printf("driver: %v not acknowledged: %v", intent, err)
		d.Flags.ForceBusy.Store(false)
		d.spawnReset(ResetFull)
		return nil
	}
	d.armWatchdog(intent, target, seq)
	return nil
}

// AbortSlew stops all motion and drops the current intent.
func (d *Driver) AbortSlew() error {
	g, done, err := d.startCommand()
	if err != nil {
		return err
	}
	defer done()

	d.cancelWatchdog()
	d.setIntent(IntentNone, 0, false)
	d.Flags.ForceBusy.Store(false)
	if err := d.sendAck(d.ctx, g, cmdStop); err != nil {
		log.Printf("driver: stop not acknowledged: %v", err)
		d.spawnReset(ResetFull)
		return nil
	}
	d.notify(EventStop, "dome motion aborted")
	return nil
}

func (d *Driver) currentWatchdog() *Watchdog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchdog
}

func (d *Driver) isCurrentWatchdog(w *Watchdog) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchdog == w && d.wdGen == w.gen
}

// cancelWatchdog cancels and forgets the current watchdog.
func (d *Driver) cancelWatchdog() {
	d.mu.Lock()
	w := d.watchdog
	d.watchdog = nil
	d.mu.Unlock()
	if w != nil {
		w.Cancel()
	}
	d.Flags.ActionWatchdogRunning.Store(false)
}

// armWatchdog replaces the current watchdog with one for intent. Snapshots
// with a sequence at or below seq predate the command and are ignored.
func (d *Driver) armWatchdog(intent Intent, target float64, seq uint64) *Watchdog {
	d.cancelWatchdog()
	var w *Watchdog
	w = NewWatchdog(WatchdogConfig{
		Intent:  intent,
		Target:  target,
		Timeout: d.cfg.timeoutFor(intent),
		Tick:    d.cfg.WatchdogTick,
		Check: func() Completion {
			s := d.State()
			if s.Seq <= seq {
				return InProgress
			}
			c := Evaluate(intent, target, d.cfg.AzimuthTolerance, s)
			if c == Failed && awaitingTravel(intent, s, seq) {
				return InProgress
			}
			return c
		},
		OnSuccess: d.actionSucceeded,
		OnFailure: d.actionFailed,
		Reset: func() {
			if d.isCurrentWatchdog(w) {
				d.spawnReset(ResetFull)
			}
		},
		ForceBusy: &d.Flags.ForceBusy,
	})
	w.seq = seq
	d.mu.Lock()
	d.wdGen++
	w.gen = d.wdGen
	d.watchdog = w
	d.mu.Unlock()

	d.Flags.ActionWatchdogRunning.Store(true)
	ok := d.spawn(func() {
		w.Run(d.ctx)
		if d.isCurrentWatchdog(w) {
			d.Flags.ActionWatchdogRunning.Store(false)
		}
	})
	if !ok {
		w.Cancel()
	}
	return w
}

func (d *Driver) actionSucceeded(w *Watchdog) {
	if !d.isCurrentWatchdog(w) {
		return
	}
	d.clearIntent(w.Intent())
	log.Printf("driver: %v complete", w.Intent())
	d.notify(EventMessage, fmt.Sprintf("%v complete", w.Intent()))
}

func (d *Driver) actionFailed(w *Watchdog) {
	if !d.isCurrentWatchdog(w) {
		return
	}
	log.Printf("driver: %v failed: %v", w.Intent(), w.Result())
	d.notify(EventMessage, fmt.Sprintf("%v failed: %v", w.Intent(), w.Result()))
}

// checkIntent resolves the current watchdog from fresh telemetry.
func (d *Driver) checkIntent(s DeviceState, intent Intent, target float64) {
	if intent == IntentNone {
		return
	}
	c := Evaluate(intent, target, d.cfg.AzimuthTolerance, s)
	if c == InProgress {
		return
	}
	w := d.currentWatchdog()
	if w == nil || w.Intent() != intent {
		if c == Complete {
			d.clearIntent(intent)
		}
		return
	}
	switch {
	case c == Complete:
		w.MarkSuccess()
	case awaitingTravel(intent, s, w.seq):
	default:
		w.MarkFailure()
	}
}

// Action runs an out-of-band operation by name.
func (d *Driver) Action(name, params string) (string, error) {
	if d.closed.Load() {
		return "", ErrDisposed
	}
	switch strings.ToLower(name) {
	case "reset", "fullreset":
		return d.startReset(ResetFull)
	case "softreset":
		return d.startReset(ResetSoftOnly)
	case "hardreset":
		return d.startReset(ResetHardOnly)
	case "clearalarm":
		if d.alarm.Clear() {
			d.heartbeat()
			return "alarm cleared", nil
		}
		return "no alarm", nil
	case "ping":
		g := d.link()
		if g == nil {
			return "", ErrNotConnected
		}
		if err := d.ping(d.ctx, g); err != nil {
			return "", err
		}
		return "pong", nil
	case "raw":
		g := d.link()
		if g == nil {
			return "", ErrNotConnected
		}
		resp, err := g.Send(params, true)
		return link.Line(resp), err
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

func (d *Driver) startReset(req ResetRequest) (string, error) {
	if d.resets.Running() {
		return "", ErrResetInProgress
	}
	d.spawnReset(req)
	return fmt.Sprintf("%v started", req), nil
}

func (d *Driver) spawnReset(req ResetRequest) {
	d.spawn(func() {
		if err := d.resets.Run(d.ctx, req); err != nil {
			log.Printf("reset: %v: %v", req, err)
		}
	})
}

// notify delivers an event without blocking the caller.
func (d *Driver) notify(event EventType, message string) {
	if d.notifier == nil && d.publisher == nil {
		return
	}
	d.spawn(func() {
		if d.notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.NotifyDeadline)
			defer cancel()
			if err := d.notifier.Notify(ctx, event, message, time.Time{}); err != nil {
				log.Printf("driver: notifying %s: %v", event, err)
			}
		}
		topic := "event"
		if event == EventAlarm {
			topic = "alarm"
		}
		d.publish(topic, []byte(message))
	})
}

func (d *Driver) publish(topic string, payload []byte) {
	if d.publisher == nil || !d.publisher.IsConnected() {
		return
	}
	if err := d.publisher.Publish(d.cfg.TopicPrefix+"/"+topic, payload); err != nil {
		log.Printf("driver: publishing %s: %v", topic, err)
	}
}

// notifyStatus hands the current snapshot to the status callback and publisher.
func (d *Driver) notifyStatus() {
	status := d.Status()
	if d.statusCallback != nil {
		d.statusCallback(status)
	}
	if d.publisher == nil || !d.publisher.IsConnected() {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		log.Print(err)
		return
	}
	d.publish("status", data)
}

func (d *Driver) alarmRaised(message string) {
	log.Printf("ALARM: %s", message)
	d.notify(EventAlarm, message)
}

// raiseAlarm latches the alarm; it is a no-op while already raised.
func (d *Driver) raiseAlarm(message string) bool {
	return d.alarm.Raise(message)
}
