// Package status turns the controller's aggregate payload into per-valve and
// system-level state. Everything here is pure.
package status

import (
	"fmt"
	"time"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/opensprinkler"
)

const scheduledFlag = 1

// Decode maps a raw payload onto the configured valves. Configuration order
// decides which hardware slot belongs to which name; slots the device reports
// beyond the configured ones are ignored.
func Decode(payload *opensprinkler.AllPayload, valves []model.ValveConfig, observedAt time.Time) (model.SystemStatus, error) {
	if payload == nil {
		return model.SystemStatus{}, &opensprinkler.ProtocolError{Endpoint: "ja", Err: fmt.Errorf("empty payload")}
	}

	statuses, err := ValveStatuses(payload.Status.Stations, payload.Settings.ProgramStates, valves)
	if err != nil {
		return model.SystemStatus{}, err
	}

	return model.SystemStatus{
		ValveStatuses: statuses,
		RainDelay:     IsRainDelay(payload.Settings.RainDelay),
		ProgramStatus: Classify(IsManual(payload.Settings.ProgramStates), IsScheduled(payload.Programs.Data)),
		ObservedAt:    observedAt,
	}, nil
}

func ValveStatuses(stations []int, states []opensprinkler.ProgramState, valves []model.ValveConfig) (map[string]model.ValveStatus, error) {
	out := make(map[string]model.ValveStatus, len(valves))
	for i, v := range valves {
		slot := v.SlotIndex(i)
		if slot < 0 || slot >= len(stations) {
			return nil, &opensprinkler.ProtocolError{
				Endpoint: "ja",
				Err:      fmt.Errorf("valve %q uses slot %d but the device reports %d stations", v.Name, slot, len(stations)),
			}
		}
		if slot >= len(states) {
			return nil, &opensprinkler.ProtocolError{
				Endpoint: "ja",
				Err:      fmt.Errorf("valve %q uses slot %d but the device reports %d program states", v.Name, slot, len(states)),
			}
		}
		out[v.Name] = model.ValveStatus{
			IsActive:          stations[slot] != 0,
			RemainingDuration: states[slot].Remaining,
		}
	}
	return out, nil
}

// IsManual reports whether any station, configured or not, was started
// directly rather than by a stored program.
func IsManual(states []opensprinkler.ProgramState) bool {
	for _, s := range states {
		if s.ProgramID == opensprinkler.ManualProgramID {
			return true
		}
	}
	return false
}

// IsScheduled reports whether any stored program has its enabled bit set.
func IsScheduled(programs []opensprinkler.ProgramData) bool {
	for _, p := range programs {
		if p.Flag&scheduledFlag != 0 {
			return true
		}
	}
	return false
}

func IsRainDelay(rd int) bool {
	return rd != 0
}

func Classify(isManual, isScheduled bool) model.ProgramStatus {
	switch {
	case isManual && isScheduled:
		return model.ProgramOverride
	case isManual:
		return model.ProgramManual
	case isScheduled:
		return model.ProgramScheduled
	default:
		return model.ProgramOff
	}
}
