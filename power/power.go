// Package power switches the dome controller's supply for hard resets.
package power

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"

	rpio "github.com/stianeikeland/go-rpio/v4"

	"github.com/w1xm/dome_interface/internal/modbus"
)

var errNoCommand = errors.New("no command configured")

// Exec runs an external program to switch power, e.g. a PDU or smart plug CLI.
type Exec struct {
	On  []string
	Off []string
}

func (e Exec) SetPower(ctx context.Context, on bool) error {
	argv := e.Off
	if on {
		argv = e.On
	}
	if len(argv) == 0 {
		return errNoCommand
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %q: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	log.Printf("power: %v via %s", on, argv[0])
	return nil
}

// Relay switches a coil on a Modbus relay board.
type Relay struct {
	Client *modbus.Client
	Coil   int
	// ActiveLow relays cut power when the coil is energized.
	ActiveLow bool
	// Verify reads the coil back after writing.
	Verify bool
}

func (r *Relay) SetPower(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	level := on != r.ActiveLow
	if err := r.Client.WriteCoil(r.Coil, level); err != nil {
		return err
	}
	if !r.Verify {
		return nil
	}
	got, err := r.Client.ReadCoil(r.Coil)
	if err != nil {
		return err
	}
	if got != level {
		return fmt.Errorf("coil %d reads %v after writing %v", r.Coil, got, level)
	}
	return nil
}

// GPIO drives a relay from a Raspberry Pi pin.
type GPIO struct {
	Pin       int
	ActiveLow bool

	once   sync.Once
	err    error
	opened bool
	pin    rpio.Pin
}

func (g *GPIO) open() error {
	g.once.Do(func() {
		if g.err = rpio.Open(); g.err != nil {
			g.err = fmt.Errorf("opening gpio: %w", g.err)
			return
		}
		g.opened = true
		g.pin = rpio.Pin(g.Pin)
		g.pin.Output()
	})
	return g.err
}

func (g *GPIO) SetPower(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.open(); err != nil {
		return err
	}
	if on != g.ActiveLow {
		g.pin.High()
	} else {
		g.pin.Low()
	}
	return nil
}

func (g *GPIO) Close() error {
	if !g.opened {
		return nil
	}
	return rpio.Close()
}
