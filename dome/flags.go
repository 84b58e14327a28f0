package dome

import "sync/atomic"

// Flags is the coordination surface shared by the poller, watchdogs, reset
// coordinator and supervisors. Every flag may be read or written at any time.
type Flags struct {
	CommandInProgress     atomic.Bool
	Rebooting             atomic.Bool
	Resetting             atomic.Bool
	ForceBusy             atomic.Bool
	ControllerReady       atomic.Bool
	Slewing               atomic.Bool
	PollingActive         atomic.Bool
	SystemWatchdogRunning atomic.Bool
	ActionWatchdogRunning atomic.Bool
}

// FlagSnapshot is a point-in-time copy of Flags for telemetry.
type FlagSnapshot struct {
	CommandInProgress     bool
	Rebooting             bool
	Resetting             bool
	ForceBusy             bool
	ControllerReady       bool
	Slewing               bool
	PollingActive         bool
	SystemWatchdogRunning bool
	ActionWatchdogRunning bool
}

func (f *Flags) Snapshot() FlagSnapshot {
	return FlagSnapshot{
		CommandInProgress:     f.CommandInProgress.Load(),
		Rebooting:             f.Rebooting.Load(),
		Resetting:             f.Resetting.Load(),
		ForceBusy:             f.ForceBusy.Load(),
		ControllerReady:       f.ControllerReady.Load(),
		Slewing:               f.Slewing.Load(),
		PollingActive:         f.PollingActive.Load(),
		SystemWatchdogRunning: f.SystemWatchdogRunning.Load(),
		ActionWatchdogRunning: f.ActionWatchdogRunning.Load(),
	}
}

// suspended reports whether background polling must yield the link.
func (f *Flags) suspended() bool {
	return f.CommandInProgress.Load() || f.Resetting.Load() || f.Rebooting.Load()
}
