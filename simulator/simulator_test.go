package simulator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestHandle(t *testing.T) {
	s := New()
	for _, test := range []struct {
		input string
		reply string
		ok    bool
	}{
		{"PING", "A", true},
		{"STATUS", "180.0\t0\t0.0\t180.0\t0\t1\t875\t12.60\t0.40\t0\t18.5\tSIM\t1", true},
		{"HOME?", "0", true},
		{"PARK?", "0", true},
		{"GOTO 400", "E", true},
		{"BOGUS", "?", true},
		{"RESTART", "", false},
		{"PING", "", false},
	} {
		reply, ok := s.handle(test.input)
		if diff := cmp.Diff([]any{reply, ok}, []any{test.reply, test.ok}); diff != "" {
			t.Errorf("handle(%q): got(-)/want(+):\n%s", test.input, diff)
		}
	}
	if got := s.Restarts(); got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}
	if got := s.Commands("PING"); got != 2 {
		t.Errorf("Commands(PING) = %d, want 2", got)
	}
}

func TestMotion(t *testing.T) {
	s := New()
	s.handle("GOTO 90")
	s.handle("OPEN")
	if s.Shutter() != shutterOpng {
		t.Fatalf("shutter = %d, want opening", s.Shutter())
	}
	now := time.Now()
	for i := 0; i < 200; i++ {
		now = now.Add(stepSize)
		s.step(now, stepSize)
	}
	if az := s.Azimuth(); az != 90 {
		t.Errorf("azimuth = %v, want 90", az)
	}
	if s.Shutter() != shutterOpen {
		t.Errorf("shutter = %d, want open", s.Shutter())
	}
	reply, _ := s.handle("PARK?")
	if reply != "1" {
		t.Errorf("PARK? = %q, want 1", reply)
	}
}

func TestFaults(t *testing.T) {
	s := New()
	s.SetShutterFault(true)
	s.handle("OPEN")
	if s.Shutter() != shutterError {
		t.Errorf("shutter = %d, want error", s.Shutter())
	}

	s.SetGarble(true)
	reply, _ := s.handle("STATUS")
	if !strings.HasPrefix(reply, "#") || strings.Contains(reply, "\t") {
		t.Errorf("garbled reply %q", reply)
	}
	s.SetGarble(false)

	s.SetMute(true)
	if _, ok := s.handle("PING"); ok {
		t.Error("muted controller replied")
	}
	ctx := context.Background()
	if err := s.SetPower(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPower(ctx, true); err != nil {
		t.Fatal(err)
	}
	if s.PowerCycles() != 1 {
		t.Errorf("PowerCycles = %d, want 1", s.PowerCycles())
	}
	if s.Shutter() != shutterClose {
		t.Errorf("shutter after power cycle = %d, want closed", s.Shutter())
	}
	time.Sleep(s.BootTime + 10*time.Millisecond)
	if reply, ok := s.handle("PING"); !ok || reply != "A" {
		t.Errorf("after power cycle PING = %q, %v", reply, ok)
	}
}

func TestOpenPipe(t *testing.T) {
	s := New()
	port, err := s.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer port.Close()
	if _, err := port.Write([]byte("PING\r\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := port.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "A\r\n" {
		t.Errorf("reply = %q, want %q", got, "A\r\n")
	}
}
