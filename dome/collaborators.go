package dome

import (
	"context"
	"time"

	"github.com/w1xm/dome_interface/link"
)

// EventType classifies notifications sent to a Notifier.
type EventType string

const (
	EventMessage EventType = "message"
	EventAlarm   EventType = "alarm"
	EventStop    EventType = "stop"
)

// Notifier receives operator-facing events. Implementations must not block
// longer than ctx allows.
type Notifier interface {
	Notify(ctx context.Context, event EventType, message string, deadline time.Time) error
}

// Publisher is an MQTT-style sink. Publish is best-effort.
type Publisher interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

// PowerCycler switches the controller's supply for a hard reset.
type PowerCycler interface {
	SetPower(ctx context.Context, on bool) error
}

// Opener opens the transport to the controller.
type Opener func() (link.Port, error)

// Status is the snapshot handed to a StatusCallback.
type Status struct {
	DeviceState
	Intent        Intent
	TargetAzimuth float64
	Flags         FlagSnapshot
	Connected     bool
	Alarm         bool
	AlarmMessage  string
}

type StatusCallback func(status Status)
