package irrigationcontroller

import (
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

// Listener is notified of every state change the controller makes. Calls are
// made while controller state is locked, so implementations must return
// quickly and must not call back into the controller.
type Listener interface {
	ValveChanged(valve.Change)
	ProgramModeChanged(model.ProgramStatus)
	RainDelayChanged(bool)
	// PollCompleted receives the decoded status, or the error that ended the poll.
	PollCompleted(*model.SystemStatus, error)
}

// NopListener can be embedded by listeners that only care about some events.
type NopListener struct{}

func (NopListener) ValveChanged(valve.Change) {}
func (NopListener) ProgramModeChanged(model.ProgramStatus) {}
func (NopListener) RainDelayChanged(bool) {}
func (NopListener) PollCompleted(*model.SystemStatus, error) {}

// Listeners fans every event out in order.
type Listeners []Listener

func (ls Listeners) ValveChanged(c valve.Change) {
	for _, l := range ls {
		l.ValveChanged(c)
	}
}

func (ls Listeners) ProgramModeChanged(mode model.ProgramStatus) {
	for _, l := range ls {
		l.ProgramModeChanged(mode)
	}
}

func (ls Listeners) RainDelayChanged(on bool) {
	for _, l := range ls {
		l.RainDelayChanged(on)
	}
}

func (ls Listeners) PollCompleted(sys *model.SystemStatus, err error) {
	for _, l := range ls {
		l.PollCompleted(sys, err)
	}
}
