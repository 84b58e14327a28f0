// Package notify delivers driver events to operators: log lines, email and
// MQTT topics.
package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/w1xm/dome_interface/dome"
)

// Log writes every event to the standard logger.
type Log struct {
	Prefix string
}

func (l Log) Notify(ctx context.Context, event dome.EventType, message string, deadline time.Time) error {
	if deadline.IsZero() {
		log.Printf("%s%s: %s", l.Prefix, event, message)
	} else {
		log.Printf("%s%s: %s (until %s)", l.Prefix, event, message, deadline.Format(time.RFC3339))
	}
	return nil
}

// Multi fans an event out to every notifier.
type Multi []dome.Notifier

func (m Multi) Notify(ctx context.Context, event dome.EventType, message string, deadline time.Time) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event, message, deadline); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
