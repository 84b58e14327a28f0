// Package retry runs an action a bounded number of times until it succeeds.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry sequence.
type Policy struct {
	// Name labels log lines.
	Name     string
	Attempts int
	Delay    time.Duration
	// Exponential doubles the delay after every failed attempt.
	Exponential bool
}

// Do calls action up to p.Attempts times and returns the first result accepted
// by ok. An error from action counts as a failed attempt and does not stop the
// sequence. A nil ok accepts any result returned without error.
func Do[T any](ctx context.Context, p Policy, action func() (T, error), ok func(T) bool) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := action()
		switch {
		case err != nil:
			lastErr = err
			log.Printf("%s: attempt %d/%d: %v", p.Name, attempt+1, attempts, err)
		case ok == nil || ok(result):
			return result, nil
		default:
			lastErr = fmt.Errorf("rejected result %v", result)
			log.Printf("%s: attempt %d/%d: rejected result %v", p.Name, attempt+1, attempts, result)
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.Delay
		if p.Exponential {
			delay = p.Delay << uint(attempt)
		}
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, fmt.Errorf("%s: %w after %d attempts: %v", p.Name, ErrExhausted, attempts, lastErr)
}
