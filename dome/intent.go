package dome

// Intent is the high-level action most recently requested of the dome.
type Intent int

const (
	IntentNone Intent = iota
	IntentCloseShutter
	IntentOpenShutter
	IntentGoHome
	IntentPark
	IntentSlewAzimuth
)

func (i Intent) String() string {
	switch i {
	case IntentNone:
		return "none"
	case IntentCloseShutter:
		return "close-shutter"
	case IntentOpenShutter:
		return "open-shutter"
	case IntentGoHome:
		return "go-home"
	case IntentPark:
		return "park"
	case IntentSlewAzimuth:
		return "slew-azimuth"
	}
	return "invalid"
}

func (i Intent) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// Completion is the outcome of checking an intent against telemetry.
type Completion int

const (
	InProgress Completion = iota
	Complete
	Failed
)

func (c Completion) String() string {
	switch c {
	case InProgress:
		return "in-progress"
	case Complete:
		return "complete"
	}
	return "failed"
}

// awaitingTravel reports whether s is the first snapshot after a shutter
// command was acknowledged at armedSeq and still shows the shutter at rest
// where it started. Controllers may acknowledge before reporting travel.
func awaitingTravel(intent Intent, s DeviceState, armedSeq uint64) bool {
	if s.Seq > armedSeq+1 {
		return false
	}
	switch intent {
	case IntentOpenShutter:
		return s.Shutter == ShutterClosed
	case IntentCloseShutter:
		return s.Shutter == ShutterOpen
	}
	return false
}

// Evaluate decides whether intent has completed given s. target is only used
// for IntentSlewAzimuth. The result depends only on its arguments.
func Evaluate(intent Intent, target, tolerance float64, s DeviceState) Completion {
	switch intent {
	case IntentNone:
		return Complete
	case IntentOpenShutter:
		switch s.Shutter {
		case ShutterOpen:
			return Complete
		case ShutterOpening:
			return InProgress
		}
		return Failed
	case IntentCloseShutter:
		switch s.Shutter {
		case ShutterClosed:
			return Complete
		case ShutterClosing:
			return InProgress
		}
		return Failed
	case IntentGoHome:
		if s.Dome == DomeIdle && s.Home {
			return Complete
		}
		return InProgress
	case IntentPark:
		if s.Dome == DomeIdle && s.Park {
			return Complete
		}
		return InProgress
	case IntentSlewAzimuth:
		if s.Dome == DomeUnknown {
			return Failed
		}
		if s.Dome == DomeIdle && angularDistance(s.Azimuth, target) <= tolerance {
			return Complete
		}
		return InProgress
	}
	return Failed
}

// slewing derives the busy flag: busy unless the rotation is idle and the
// shutter is fully open or closed. forceBusy overrides.
func slewing(s DeviceState, forceBusy bool) bool {
	if forceBusy {
		return true
	}
	if s.Dome != DomeIdle {
		return true
	}
	return s.Shutter != ShutterOpen && s.Shutter != ShutterClosed
}
