package dome

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/dome_interface/link"
	"github.com/w1xm/dome_interface/simulator"
)

const (
	eventually = 10 * time.Second
	tick       = 10 * time.Millisecond
)

func testConfig() Config {
	c := DefaultConfig()
	c.Link = link.Options{
		ReadTimeout:   100 * time.Millisecond,
		QuietWindow:   5 * time.Millisecond,
		FlushAttempts: 2,
		FlushSettle:   time.Millisecond,
	}
	c.PollInterval = 20 * time.Millisecond
	c.PollStartupTimeout = 500 * time.Millisecond
	c.StatusAttempts = 2
	c.StatusRetryDelay = 10 * time.Millisecond
	c.PollErrorCeiling = 5
	c.PingAttempts = 3
	c.PingDelay = 10 * time.Millisecond
	c.AckAttempts = 2
	c.AckDelay = 10 * time.Millisecond
	c.ShutterTimeout = 3 * time.Second
	c.SlewTimeout = 5 * time.Second
	c.HomeTimeout = 5 * time.Second
	c.ParkTimeout = 5 * time.Second
	c.WatchdogTick = 5 * time.Millisecond
	c.SystemWatchdogInterval = 50 * time.Millisecond
	c.StallThreshold = 2 * time.Second
	c.AlarmInterval = 50 * time.Millisecond
	c.HeartbeatTimeout = 5 * time.Second
	c.SupervisorStopTimeout = time.Second
	c.CommandWaitTimeout = time.Second
	c.RebootTimeout = time.Second
	c.RebootSettle = 10 * time.Millisecond
	c.PowerOffDelay = 10 * time.Millisecond
	c.PowerOnDelay = 10 * time.Millisecond
	c.PowerTimeout = time.Second
	c.NotifyDeadline = time.Second
	return c
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []EventType
}

func (n *recordingNotifier) Notify(ctx context.Context, event EventType, message string, deadline time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count(event EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics map[string]int
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topics == nil {
		p.topics = make(map[string]int)
	}
	p.topics[topic]++
	return nil
}

func (p *recordingPublisher) IsConnected() bool { return true }

func (p *recordingPublisher) published(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

type harness struct {
	sim      *simulator.Simulator
	driver   *Driver
	notifier *recordingNotifier
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	sim := simulator.New()
	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx)
	n := &recordingNotifier{}
	opts = append([]Option{WithPowerCycler(sim), WithNotifier(n)}, opts...)
	d := New(cfg, sim.Open, opts...)
	t.Cleanup(func() {
		d.Close()
		cancel()
	})
	return &harness{sim: sim, driver: d, notifier: n}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.driver.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.driver.State().Seq > 0 }, eventually, tick, "no status applied")
}

func (h *harness) idle() bool {
	intent, _ := h.driver.CurrentIntent()
	return intent == IntentNone && !h.driver.Slewing() && !h.driver.Flags.Resetting.Load()
}

func TestConnectPolls(t *testing.T) {
	pub := &recordingPublisher{}
	var mu sync.Mutex
	var statuses int
	h := newHarness(t, testConfig(), WithPublisher(pub), WithStatusCallback(func(Status) {
		mu.Lock()
		statuses++
		mu.Unlock()
	}))
	h.connect(t)

	d := h.driver
	assert.True(t, d.Connected())
	assert.InDelta(t, 180, d.Azimuth(), 0.01)
	assert.Equal(t, ShutterClosed, d.ShutterStatus())
	assert.False(t, d.AtHome())
	assert.False(t, d.AtPark())
	assert.False(t, d.Slewing())
	assert.True(t, d.Flags.ControllerReady.Load())
	require.Eventually(t, func() bool {
		f := d.Flags.Snapshot()
		return f.PollingActive && f.SystemWatchdogRunning
	}, eventually, tick)
	require.Eventually(t, func() bool { return pub.published("dome/status") > 0 }, eventually, tick)
	mu.Lock()
	assert.Positive(t, statuses)
	mu.Unlock()

	seq := d.State().Seq
	require.Eventually(t, func() bool { return d.State().Seq > seq+2 }, eventually, tick, "sequence did not advance")
}

func TestConnectFailsWhenSilent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sim.SetDead(true)
	err := h.driver.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, h.driver.Connected())
	assert.False(t, h.driver.Flags.ControllerReady.Load())
}

func TestActionsRequireConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.driver.OpenShutter(), ErrNotConnected)
	assert.ErrorIs(t, h.driver.AbortSlew(), ErrNotConnected)
	_, err := h.driver.Action("ping", "")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSlewToAzimuth(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	require.NoError(t, d.SlewToAzimuth(90.4))
	assert.True(t, d.Slewing(), "slewing must be reported as soon as the command is accepted")
	intent, target := d.CurrentIntent()
	assert.Equal(t, IntentSlewAzimuth, intent)
	assert.Equal(t, 90.4, target)

	require.Eventually(t, h.idle, eventually, tick)
	assert.InDelta(t, 90.4, d.Azimuth(), 1.0)
	assert.Equal(t, 1, h.sim.Commands("GOTO"))
}

func TestSlewRejectsInvalidAzimuth(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	for _, az := range []float64{-0.1, 360.1, math.NaN()} {
		assert.ErrorIs(t, h.driver.SlewToAzimuth(az), ErrInvalidAzimuth, "azimuth %v", az)
	}
	assert.Equal(t, 0, h.sim.Commands("GOTO"))
}

func TestOpenAndCloseShutter(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	require.NoError(t, d.OpenShutter())
	require.Eventually(t, h.idle, eventually, tick)
	assert.Equal(t, ShutterOpen, d.ShutterStatus())

	require.NoError(t, d.CloseShutter())
	require.Eventually(t, h.idle, eventually, tick)
	assert.Equal(t, ShutterClosed, d.ShutterStatus())
	require.Eventually(t, func() bool { return h.notifier.count(EventMessage) >= 2 }, eventually, tick)
}

func TestFindHomeAndPark(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	require.NoError(t, d.FindHome())
	require.Eventually(t, h.idle, eventually, tick)
	require.Eventually(t, d.AtHome, eventually, tick)

	require.NoError(t, d.Park())
	require.Eventually(t, h.idle, eventually, tick)
	require.Eventually(t, d.AtPark, eventually, tick)
	assert.InDelta(t, 90, d.Azimuth(), 0.5)
}

func TestSecondActionRejectedWhileFirstPending(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	require.NoError(t, d.SlewToAzimuth(0))
	assert.ErrorIs(t, d.OpenShutter(), ErrActionInProgress)
	require.Eventually(t, h.idle, eventually, tick)
	assert.NoError(t, d.OpenShutter())
}

func TestAbortSlew(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	require.NoError(t, d.SlewToAzimuth(0))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, d.AbortSlew())

	intent, _ := d.CurrentIntent()
	assert.Equal(t, IntentNone, intent)
	require.Eventually(t, func() bool { return !d.Slewing() }, eventually, tick)
	az := d.Azimuth()
	assert.Greater(t, angularDistance(az, 0), 10.0, "dome kept moving to %v", az)
	require.Eventually(t, func() bool { return h.notifier.count(EventStop) == 1 }, eventually, tick)
	assert.Zero(t, h.driver.Resets().Cycles())
}

func TestShutterFaultResetsAndReplaysOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver
	h.sim.SetShutterFault(true)

	require.NoError(t, d.OpenShutter())
	// The fault fails the action, a soft reset succeeds and the intent is
	// replayed once; the replay fails the same way and is not replayed again.
	require.Eventually(t, func() bool {
		return d.Resets().Cycles() == 2 && !d.Resets().Running() && h.idle()
	}, eventually, tick)
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 2, d.Resets().Cycles())
	assert.Equal(t, 2, h.sim.Commands("OPEN"))
	assert.Equal(t, 2, h.sim.Restarts())
	assert.Zero(t, h.sim.PowerCycles())
	on, _ := d.Alarm()
	assert.False(t, on)
	assert.True(t, d.Connected())
}

func TestAckExhaustionEscalatesToHardReset(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver
	h.sim.SetMute(true)

	// Not acknowledged: the call still returns nil and recovery runs in the
	// background. A muted controller ignores RESTART so only a power cycle
	// brings it back, after which the slew is replayed.
	require.NoError(t, d.SlewToAzimuth(45))
	require.Eventually(t, func() bool {
		return h.sim.PowerCycles() == 1 && !d.Resets().Running() && h.idle()
	}, eventually, tick)
	assert.InDelta(t, 45, d.Azimuth(), 1.0)

	attempts := d.Resets().Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, ResetAttempt{Kind: SoftReset, Attempted: true}, attempts[0])
	assert.Equal(t, ResetAttempt{Kind: HardReset, Attempted: true, Succeeded: true}, attempts[1])
	on, _ := d.Alarm()
	assert.False(t, on)
}

func TestUnrecoverableControllerLatchesAlarmOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver
	h.sim.SetDead(true)

	msg, err := d.Action("reset", "")
	require.NoError(t, err)
	assert.Equal(t, "reset started", msg)
	require.Eventually(t, func() bool {
		return d.Resets().Cycles() == 1 && !d.Resets().Running()
	}, eventually, tick)

	assert.Equal(t, []ResetAttempt{
		{Kind: SoftReset, Attempted: true},
		{Kind: HardReset, Attempted: true},
	}, d.Resets().Attempts())
	on, text := d.Alarm()
	assert.True(t, on)
	assert.Contains(t, text, "unrecoverable")
	assert.Equal(t, 1, h.sim.PowerCycles())
	require.Eventually(t, func() bool { return h.notifier.count(EventAlarm) == 1 }, eventually, tick)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.notifier.count(EventAlarm))
	assert.False(t, d.Connected())
}

func TestConcurrentResetRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	errc := make(chan error, 1)
	go func() { errc <- d.Resets().Run(context.Background(), ResetSoftOnly) }()
	require.Eventually(t, d.Resets().Running, eventually, time.Millisecond)

	assert.ErrorIs(t, d.Resets().Run(context.Background(), ResetFull), ErrResetInProgress)
	_, err := d.Action("hardreset", "")
	assert.ErrorIs(t, err, ErrResetInProgress)
	assert.ErrorIs(t, d.OpenShutter(), ErrResetInProgress)

	require.NoError(t, <-errc)
	assert.EqualValues(t, 1, d.Resets().Cycles())
	assert.Equal(t, 1, h.sim.Restarts())
	assert.Zero(t, h.sim.PowerCycles())
	require.Eventually(t, h.idle, eventually, tick)
}

func TestPollingFailureRaisesAlarmAndDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.PollErrorCeiling = 3
	pub := &recordingPublisher{}
	h := newHarness(t, cfg, WithPublisher(pub))
	h.connect(t)
	h.sim.SetGarble(true)

	d := h.driver
	require.Eventually(t, func() bool { return !d.Connected() }, eventually, tick)
	on, msg := d.Alarm()
	assert.True(t, on)
	assert.True(t, strings.Contains(msg, "polling failed"), msg)
	require.Eventually(t, func() bool { return h.notifier.count(EventAlarm) == 1 }, eventually, tick)
	require.Eventually(t, func() bool { return pub.published("dome/alarm") == 1 }, eventually, tick)
	assert.False(t, d.Flags.PollingActive.Load())

	out, err := d.Action("clearalarm", "")
	require.NoError(t, err)
	assert.Equal(t, "alarm cleared", out)
	on, _ = d.Alarm()
	assert.False(t, on)
}

func TestHeartbeatAlarm(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	cfg.StallThreshold = time.Hour
	h := newHarness(t, cfg)
	h.connect(t)

	// Stopping the poller leaves the supervisors running with no heartbeat.
	h.driver.stopPolling()
	require.Eventually(t, func() bool {
		on, _ := h.driver.Alarm()
		return on
	}, eventually, tick)
	require.Eventually(t, func() bool { return h.notifier.count(EventAlarm) == 1 }, eventually, tick)
}

func TestSystemWatchdogRestartsStalledPoller(t *testing.T) {
	cfg := testConfig()
	cfg.StallThreshold = 150 * time.Millisecond
	h := newHarness(t, cfg)
	h.connect(t)
	d := h.driver

	d.stopPolling()
	seq := d.State().Seq
	require.Eventually(t, func() bool { return d.State().Seq > seq }, eventually, tick, "poller not restarted")
}

func TestActionNames(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	out, err := d.Action("ping", "")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	out, err = d.Action("raw", "PARK?")
	require.NoError(t, err)
	assert.Equal(t, "0", out)

	out, err = d.Action("clearalarm", "")
	require.NoError(t, err)
	assert.Equal(t, "no alarm", out)

	_, err = d.Action("selfdestruct", "")
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = d.Action("softreset", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Resets().Cycles() == 1 && !d.Resets().Running() }, eventually, tick)
	assert.Equal(t, 1, h.sim.Restarts())
	attempts := d.Resets().Attempts()
	require.Len(t, attempts, 2)
	assert.True(t, attempts[0].Succeeded)
	assert.True(t, attempts[1].Skipped)
	require.Eventually(t, func() bool { return d.Flags.PollingActive.Load() }, eventually, tick)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect(t)
	d := h.driver

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.OpenShutter(), ErrDisposed)
	assert.ErrorIs(t, d.Connect(context.Background()), ErrDisposed)
	_, err := d.Action("ping", "")
	assert.True(t, errors.Is(err, ErrDisposed))
	assert.False(t, d.Connected())
}

func TestArmWatchdogSupersedesPrevious(t *testing.T) {
	n := &recordingNotifier{}
	d := New(testConfig(), nil, WithNotifier(n))
	defer d.Close()
	d.setIntent(IntentOpenShutter, 0, false)

	first := d.armWatchdog(IntentOpenShutter, 0, math.MaxUint64)
	second := d.armWatchdog(IntentOpenShutter, 0, math.MaxUint64)
	assert.Equal(t, ResultCancelled, first.Result())
	assert.False(t, d.isCurrentWatchdog(first))
	assert.True(t, d.isCurrentWatchdog(second))
	assert.Greater(t, second.Generation(), first.Generation())

	assert.False(t, first.MarkFailure(), "superseded watchdog accepted a result")
	d.actionSucceeded(first)
	d.actionFailed(first)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, d.Resets().Cycles())
	assert.Zero(t, n.count(EventMessage))
	intent, _ := d.CurrentIntent()
	assert.Equal(t, IntentOpenShutter, intent, "superseded watchdog cleared the intent")
	assert.Equal(t, ResultPending, second.Result())

	d.cancelWatchdog()
	assert.Equal(t, ResultCancelled, second.Result())
	assert.False(t, d.Flags.ActionWatchdogRunning.Load())
}

func TestWatchdogIgnoresSnapshotsFromBeforeCommand(t *testing.T) {
	d := New(testConfig(), nil)
	defer d.Close()
	open := DeviceState{Dome: DomeIdle, Shutter: ShutterOpen}

	d.setIntent(IntentOpenShutter, 0, false)
	d.apply(open)
	w := d.armWatchdog(IntentOpenShutter, 0, d.State().Seq)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ResultPending, w.Result(), "resolved from a snapshot taken before the command")

	d.apply(open)
	require.Eventually(t, func() bool { return w.Result() == ResultSuccess }, eventually, tick)
	require.Eventually(t, func() bool {
		intent, _ := d.CurrentIntent()
		return intent == IntentNone
	}, eventually, tick)
}

func TestShutterIntentToleratesUnmovedFirstSnapshot(t *testing.T) {
	d := New(testConfig(), nil)
	defer d.Close()
	closed := DeviceState{Dome: DomeIdle, Shutter: ShutterClosed}

	d.setIntent(IntentOpenShutter, 0, false)
	d.apply(closed)
	w := d.armWatchdog(IntentOpenShutter, 0, d.State().Seq)

	s, intent, target := d.apply(closed)
	d.checkIntent(s, intent, target)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ResultPending, w.Result(), "first snapshot after the command failed the action")

	s, intent, target = d.apply(closed)
	d.checkIntent(s, intent, target)
	require.Eventually(t, func() bool { return w.Result() != ResultPending }, eventually, tick)
	assert.Contains(t, []Result{ResultFailure, ResultError}, w.Result())
}

func TestRejectedResetLeavesFlagsUntouched(t *testing.T) {
	d := New(testConfig(), nil)
	defer d.Close()
	d.Flags.ControllerReady.Store(true)
	d.Flags.Slewing.Store(true)
	d.Flags.PollingActive.Store(true)
	require.True(t, d.resets.running.CompareAndSwap(false, true))

	before := d.Flags.Snapshot()
	assert.ErrorIs(t, d.Resets().Run(context.Background(), ResetFull), ErrResetInProgress)
	assert.Equal(t, before, d.Flags.Snapshot())
	assert.Zero(t, d.Resets().Cycles())
	assert.Empty(t, d.Resets().Attempts())
}

func TestSystemWatchdogStopsWhileWaitingForPoller(t *testing.T) {
	cfg := testConfig()
	cfg.Link.ReadTimeout = 10 * time.Second
	cfg.StallThreshold = 10 * time.Millisecond
	cfg.SystemWatchdogInterval = 5 * time.Millisecond
	d := New(cfg, nil)
	defer d.Close()

	port, peer := net.Pipe()
	defer peer.Close()
	// A poller whose cycle never finishes.
	stuck := &Poller{d: d, cancel: func() {}, done: make(chan struct{})}
	d.mu.Lock()
	d.guard = link.New(port, cfg.Link)
	d.poller = stuck
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- d.systemWatchdog(ctx) }()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.poller == nil
	}, eventually, time.Millisecond, "stall not detected")

	cancel()
	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("system watchdog kept waiting for the poller after cancel")
	}
	d.mu.Lock()
	restarted := d.poller != nil
	d.mu.Unlock()
	assert.False(t, restarted, "poller restarted after cancel")
	assert.False(t, d.Flags.SystemWatchdogRunning.Load())
}
