package dome

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedStatus is returned for a status record that fails validation.
var ErrMalformedStatus = errors.New("malformed status record")

// DomeState is the rotation axis state reported by the controller.
type DomeState int

const (
	DomeUnknown DomeState = iota
	DomeIdle
	DomeMoving
	DomeFindingHome
)

// domeStateFromWire maps the controller's 0-9 state code.
func domeStateFromWire(code int) DomeState {
	switch code {
	case 0:
		return DomeIdle
	case 1:
		return DomeMoving
	case 9:
		return DomeFindingHome
	}
	return DomeUnknown
}

func (s DomeState) String() string {
	switch s {
	case DomeIdle:
		return "idle"
	case DomeMoving:
		return "moving"
	case DomeFindingHome:
		return "finding-home"
	}
	return "unknown"
}

func (s DomeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ShutterState is the shutter axis state reported by the controller.
type ShutterState int

const (
	ShutterOpen ShutterState = iota
	ShutterClosed
	ShutterOpening
	ShutterClosing
	ShutterError
	ShutterUnknown
	ShutterNotFitted
)

// shutterStateFromWire maps the controller's 0-6 shutter code, rejecting
// undocumented values.
func shutterStateFromWire(code int) (ShutterState, error) {
	switch code {
	case 0:
		return ShutterOpen, nil
	case 1:
		return ShutterClosed, nil
	case 2:
		return ShutterOpening, nil
	case 3:
		return ShutterClosing, nil
	case 4:
		return ShutterError, nil
	case 5:
		return ShutterUnknown, nil
	case 6:
		return ShutterNotFitted, nil
	}
	return ShutterUnknown, fmt.Errorf("shutter status %d out of range", code)
}

func (s ShutterState) String() string {
	switch s {
	case ShutterOpen:
		return "open"
	case ShutterClosed:
		return "closed"
	case ShutterOpening:
		return "opening"
	case ShutterClosing:
		return "closing"
	case ShutterError:
		return "error"
	case ShutterNotFitted:
		return "not-fitted"
	}
	return "unknown"
}

func (s ShutterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DeviceState is the last parsed controller telemetry.
type DeviceState struct {
	// Status record fields, in wire order.
	Azimuth       float64
	Dome          DomeState
	RotationSpeed float64
	// RawTargetAzimuth is as reported (-179..539); see TargetAzimuth.
	RawTargetAzimuth float64
	MotorDirection   int
	Shutter          ShutterState
	// ShutterBattery is a percentage; the wire value is in tenths.
	ShutterBattery float64
	ShutterVoltage float64
	ShutterCurrent float64
	Encoder        int64
	Temperature    float64
	// Aux is an opaque controller field kept for telemetry.
	Aux   string
	Relay bool

	// Home and Park come from their own queries.
	Home bool
	Park bool

	// Slewing is derived when the record is applied.
	Slewing bool

	// Seq increments with every applied record. Neither it nor Updated is
	// encoded, so an unchanged dome encodes to identical payloads.
	Seq     uint64    `json:"-"`
	Updated time.Time `json:"-"`
}

// TargetAzimuth returns the target normalized to [0, 360).
func (s DeviceState) TargetAzimuth() float64 {
	return normalize(s.RawTargetAzimuth)
}

func normalize(az float64) float64 {
	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}
	return az
}

// angularDistance is the shortest distance between two azimuths.
func angularDistance(a, b float64) float64 {
	d := math.Abs(normalize(a) - normalize(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

const statusFields = 13

// ParseStatus parses a tab-delimited status record. Any field failing
// validation rejects the whole record.
func ParseStatus(line string) (DeviceState, error) {
	var s DeviceState
	fields := strings.Split(strings.Trim(line, "\r\n"), "\t")
	if len(fields) < statusFields {
		return s, fmt.Errorf("%w: %d fields, want %d", ErrMalformedStatus, len(fields), statusFields)
	}
	p := fieldParser{fields: fields}

	s.Azimuth = p.float(0, "azimuth", 0, 360)
	s.Dome = domeStateFromWire(p.int(1, "state", 0, 9))
	s.RotationSpeed = p.float(2, "speed", math.Inf(-1), math.Inf(1))
	s.RawTargetAzimuth = p.float(3, "target azimuth", -179, 539)
	s.MotorDirection = p.int(4, "motor direction", 0, 2)
	if code := p.int(5, "shutter status", 0, 6); p.err == nil {
		s.Shutter, p.err = shutterStateFromWire(code)
	}
	s.ShutterBattery = float64(p.int(6, "shutter percentage", 0, 1000)) / 10
	s.ShutterVoltage = p.float(7, "shutter voltage", math.Inf(-1), math.Inf(1))
	s.ShutterCurrent = p.float(8, "shutter current", math.Inf(-1), math.Inf(1))
	s.Encoder = int64(p.int(9, "encoder", math.MinInt, math.MaxInt))
	s.Temperature = p.float(10, "temperature", math.Inf(-1), math.Inf(1))
	s.Aux = fields[11]
	s.Relay = p.int(12, "relay", 0, 1) == 1

	if p.err != nil {
		return DeviceState{}, fmt.Errorf("%w: %v", ErrMalformedStatus, p.err)
	}
	return s, nil
}

// fieldParser records the first validation failure and ignores later fields.
type fieldParser struct {
	fields []string
	err    error
}

func (p *fieldParser) float(i int, name string, min, max float64) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(p.fields[i]), 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %v", name, err)
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < min || v > max {
		p.err = fmt.Errorf("%s %v out of range", name, v)
		return 0
	}
	return v
}

func (p *fieldParser) int(i int, name string, min, max int) int {
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(p.fields[i]))
	if err != nil {
		p.err = fmt.Errorf("%s: %v", name, err)
		return 0
	}
	if v < min || v > max {
		p.err = fmt.Errorf("%s %d out of range", name, v)
		return 0
	}
	return v
}

// parseFlag parses a home/park reply, which must be exactly "0" or "1".
func parseFlag(line string) (bool, error) {
	switch line {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%w: flag reply %q", ErrMalformedStatus, line)
}
