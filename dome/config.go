package dome

import (
	"time"

	"github.com/w1xm/dome_interface/link"
)

// Config holds driver timing, retry and tolerance settings. It is copied at
// construction and read without synchronization.
type Config struct {
	Link link.Options

	// Topic prefix for the publisher.
	TopicPrefix string
	// AckWord is the controller's single-character success token.
	AckWord string

	PollInterval       time.Duration
	PollStartupTimeout time.Duration
	// StatusAttempts bounds each status/home/park query.
	StatusAttempts   int
	StatusRetryDelay time.Duration
	// PollErrorCeiling consecutive failed cycles trigger driver failure.
	PollErrorCeiling int

	PingAttempts int
	PingDelay    time.Duration
	AckAttempts  int
	AckDelay     time.Duration

	ShutterTimeout time.Duration
	SlewTimeout    time.Duration
	HomeTimeout    time.Duration
	ParkTimeout    time.Duration
	WatchdogTick   time.Duration
	// AzimuthTolerance in degrees for slew completion.
	AzimuthTolerance float64

	SystemWatchdogInterval time.Duration
	StallThreshold         time.Duration
	AlarmInterval          time.Duration
	HeartbeatTimeout       time.Duration
	SupervisorStopTimeout  time.Duration
	CommandWaitTimeout     time.Duration

	RebootTimeout  time.Duration
	RebootSettle   time.Duration
	PowerOffDelay  time.Duration
	PowerOnDelay   time.Duration
	PowerTimeout   time.Duration
	MaxReplays     int
	NotifyDeadline time.Duration
}

// DefaultConfig returns settings for a typical dome controller.
func DefaultConfig() Config {
	return Config{
		Link:        link.DefaultOptions(),
		TopicPrefix: "dome",
		AckWord:     defaultAckWord,

		PollInterval:       time.Second,
		PollStartupTimeout: 10 * time.Second,
		StatusAttempts:     3,
		StatusRetryDelay:   100 * time.Millisecond,
		PollErrorCeiling:   10,

		PingAttempts: 5,
		PingDelay:    500 * time.Millisecond,
		AckAttempts:  3,
		AckDelay:     200 * time.Millisecond,

		ShutterTimeout:   90 * time.Second,
		SlewTimeout:      180 * time.Second,
		HomeTimeout:      180 * time.Second,
		ParkTimeout:      180 * time.Second,
		WatchdogTick:     250 * time.Millisecond,
		AzimuthTolerance: 1.0,

		SystemWatchdogInterval: 5 * time.Second,
		StallThreshold:         30 * time.Second,
		AlarmInterval:          10 * time.Second,
		HeartbeatTimeout:       2 * time.Minute,
		SupervisorStopTimeout:  5 * time.Second,
		CommandWaitTimeout:     10 * time.Second,

		RebootTimeout:  60 * time.Second,
		RebootSettle:   5 * time.Second,
		PowerOffDelay:  5 * time.Second,
		PowerOnDelay:   20 * time.Second,
		PowerTimeout:   30 * time.Second,
		MaxReplays:     1,
		NotifyDeadline: 10 * time.Second,
	}
}

func (c Config) timeoutFor(intent Intent) time.Duration {
	switch intent {
	case IntentOpenShutter, IntentCloseShutter:
		return c.ShutterTimeout
	case IntentGoHome:
		return c.HomeTimeout
	case IntentPark:
		return c.ParkTimeout
	}
	return c.SlewTimeout
}
