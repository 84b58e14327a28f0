// Package simulator emulates a dome controller on the far side of an
// in-memory serial line.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/dome_interface/link"
)

// Wire codes.
const (
	stateIdle    = 0
	stateMoving  = 1
	stateHoming  = 9
	shutterOpen  = 0
	shutterClose = 1
	shutterOpng  = 2
	shutterClsng = 3
	shutterError = 4
)

const stepSize = 10 * time.Millisecond

// Simulator is a dome controller. Its exported fields may be set before the
// first Open.
type Simulator struct {
	// Speed is the rotation rate in degrees/second.
	Speed float64
	// ShutterTravel is the time to fully open or close the shutter.
	ShutterTravel time.Duration
	// BootTime is how long the controller is silent after a restart.
	BootTime    time.Duration
	HomeAzimuth float64
	ParkAzimuth float64
	// Verbose logs every exchange.
	Verbose bool

	mu        sync.Mutex
	conn      net.Conn
	powered   bool
	bootUntil time.Time

	azimuth     float64
	target      float64
	state       int
	direction   int
	shutter     int
	shutterGoal int
	shutterDone time.Time
	encoder     int64

	mute         bool
	dead         bool
	garble       bool
	stallShutter bool
	shutterFault bool

	restarts    int
	powerCycles int
	commands    map[string]int
}

// New returns a powered simulator resting at 180 degrees with the shutter
// closed.
func New() *Simulator {
	return &Simulator{
		Speed:         90,
		ShutterTravel: 200 * time.Millisecond,
		BootTime:      100 * time.Millisecond,
		HomeAzimuth:   0,
		ParkAzimuth:   90,
		powered:       true,
		azimuth:       180,
		target:        180,
		shutter:       shutterClose,
		commands:      make(map[string]int),
	}
}

// Open connects a new line to the controller, dropping any previous one.
func (s *Simulator) Open() (link.Port, error) {
	a, b := net.Pipe()
	s.mu.Lock()
	old := s.conn
	s.conn = a
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go s.serve(a)
	return b, nil
}

// Run advances the simulation until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(stepSize)
		defer t.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				s.step(now, now.Sub(last))
				last = now
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	})
	return g.Wait()
}

func (s *Simulator) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if s.Verbose {
			log.Printf("drv->sim: %s", input)
		}
		reply, ok := s.handle(input)
		if !ok {
			continue
		}
		if s.Verbose {
			log.Printf("sim->drv: %q", reply)
		}
		if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
			return
		}
	}
}

// handle applies one command and returns the reply, if any.
func (s *Simulator) handle(input string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, arg, _ := strings.Cut(input, " ")
	s.commands[cmd]++
	if !s.powered || s.mute || s.dead || time.Now().Before(s.bootUntil) {
		return "", false
	}
	var reply string
	switch cmd {
	case "PING":
		reply = "A"
	case "STATUS":
		reply = s.record()
	case "HOME?":
		reply = flag(s.at(s.HomeAzimuth))
	case "PARK?":
		reply = flag(s.at(s.ParkAzimuth))
	case "OPEN":
		s.moveShutter(shutterOpng, shutterOpen)
		reply = "A"
	case "CLOSE":
		s.moveShutter(shutterClsng, shutterClose)
		reply = "A"
	case "FINDHOME":
		s.rotate(s.HomeAzimuth, stateHoming)
		reply = "A"
	case "PARK":
		s.rotate(s.ParkAzimuth, stateMoving)
		reply = "A"
	case "GOTO":
		az, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil || az < 0 || az > 360 {
			reply = "E"
			break
		}
		s.rotate(az, stateMoving)
		reply = "A"
	case "STOP":
		s.state = stateIdle
		s.direction = 0
		s.target = s.azimuth
		reply = "A"
	case "RESTART":
		s.restartLocked()
		return "", false
	default:
		reply = "?"
	}
	if s.garble {
		reply = "#" + strings.ReplaceAll(reply, "\t", " ")
	}
	return reply, true
}

func (s *Simulator) moveShutter(moving, goal int) {
	if s.shutterFault {
		s.shutter = shutterError
		return
	}
	if s.shutter == goal {
		return
	}
	s.shutter = moving
	s.shutterGoal = goal
	s.shutterDone = time.Now().Add(s.ShutterTravel)
}

func (s *Simulator) rotate(az float64, state int) {
	s.target = math.Mod(az, 360)
	if s.at(s.target) {
		s.state = stateIdle
		return
	}
	s.state = state
	if math.Remainder(s.target-s.azimuth, 360) >= 0 {
		s.direction = 1
	} else {
		s.direction = 2
	}
}

func (s *Simulator) at(az float64) bool {
	d := math.Abs(math.Remainder(s.azimuth-az, 360))
	return s.state == stateIdle && d < 0.5
}

func (s *Simulator) restartLocked() {
	s.restarts++
	s.bootUntil = time.Now().Add(s.BootTime)
	s.state = stateIdle
	s.direction = 0
	s.target = s.azimuth
	switch s.shutter {
	case shutterOpng, shutterClsng, shutterError:
		s.shutter = shutterClose
	}
}

func (s *Simulator) step(now time.Time, dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.powered || now.Before(s.bootUntil) {
		return
	}
	if s.state != stateIdle {
		diff := math.Remainder(s.target-s.azimuth, 360)
		move := s.Speed * dt.Seconds()
		if math.Abs(diff) <= move {
			s.azimuth = s.target
			s.state = stateIdle
			s.direction = 0
		} else {
			s.azimuth = math.Mod(s.azimuth+math.Copysign(move, diff)+360, 360)
		}
		s.encoder += int64(move * 10)
	}
	if (s.shutter == shutterOpng || s.shutter == shutterClsng) && !s.stallShutter && now.After(s.shutterDone) {
		s.shutter = s.shutterGoal
	}
}

// record formats the tab-separated status line.
func (s *Simulator) record() string {
	speed := 0.0
	if s.state != stateIdle {
		speed = s.Speed
	}
	return fmt.Sprintf("%.1f\t%d\t%.1f\t%.1f\t%d\t%d\t%d\t%.2f\t%.2f\t%d\t%.1f\t%s\t%d",
		s.azimuth, s.state, speed, s.target, s.direction, s.shutter,
		875, 12.6, 0.4, s.encoder, 18.5, "SIM", 1)
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// SetPower switches the controller supply. Powering on clears a mute fault
// and boots the controller.
func (s *Simulator) SetPower(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.powered {
		return nil
	}
	s.powered = on
	if !on {
		return nil
	}
	s.powerCycles++
	s.mute = false
	s.restartLocked()
	return nil
}

// SetMute makes the controller ignore all input until power cycled.
func (s *Simulator) SetMute(v bool) { s.set(&s.mute, v) }

// SetDead makes the controller permanently unresponsive.
func (s *Simulator) SetDead(v bool) { s.set(&s.dead, v) }

// SetGarble corrupts every reply.
func (s *Simulator) SetGarble(v bool) { s.set(&s.garble, v) }

// SetStallShutter freezes the shutter mid-travel.
func (s *Simulator) SetStallShutter(v bool) { s.set(&s.stallShutter, v) }

// SetShutterFault makes shutter commands report an error.
func (s *Simulator) SetShutterFault(v bool) { s.set(&s.shutterFault, v) }

func (s *Simulator) set(p *bool, v bool) {
	s.mu.Lock()
	*p = v
	s.mu.Unlock()
}

// Place moves the dome instantly.
func (s *Simulator) Place(az float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.azimuth = math.Mod(az, 360)
	s.target = s.azimuth
	s.state = stateIdle
}

func (s *Simulator) Azimuth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.azimuth
}

// Shutter returns the shutter wire code.
func (s *Simulator) Shutter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutter
}

func (s *Simulator) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Simulator) PowerCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerCycles
}

// Commands returns how many times cmd was received, including while silent.
func (s *Simulator) Commands(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[cmd]
}

var errClosed = errors.New("simulator closed")

// Close drops the current line.
func (s *Simulator) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return errClosed
	}
	return conn.Close()
}
