package model

import (
	"strings"
	"time"
	"unicode"
)

type ProgramStatus string

const (
	ProgramOff       ProgramStatus = "off"
	ProgramScheduled ProgramStatus = "scheduled"
	ProgramManual    ProgramStatus = "manual"
	ProgramOverride  ProgramStatus = "override"
)

// ValveConfig is the user supplied description of one valve. Index is the
// controller's hardware slot; it defaults to the valve's position in the
// configured list.
type ValveConfig struct {
	Name            string `json:"name"`
	DefaultDuration int    `json:"default_duration"`
	Index           *int   `json:"index,omitempty"`
}

// SlotIndex returns the hardware slot for a valve at the given list position.
func (v ValveConfig) SlotIndex(position int) int {
	if v.Index != nil {
		return *v.Index
	}
	return position
}

type ValveStatus struct {
	IsActive          bool `json:"is_active"`
	RemainingDuration int  `json:"remaining_duration"`
}

// SystemStatus is the decoded result of a single poll.
type SystemStatus struct {
	ValveStatuses map[string]ValveStatus `json:"valve_statuses"`
	RainDelay     bool                   `json:"rain_delay"`
	ProgramStatus ProgramStatus          `json:"program_status"`
	ObservedAt    time.Time              `json:"observed_at"`
}

type DeviceInfo struct {
	FirmwareVersion  string `json:"firmware_version"`
	HardwareVersion  string `json:"hardware_version"`
	DeviceIdentifier string `json:"device_identifier"`
}

// ValveSnapshot is a point-in-time copy of a valve's state as seen by listeners.
type ValveSnapshot struct {
	Name              string `json:"name"`
	Index             int    `json:"index"`
	Active            bool   `json:"active"`
	InUse             bool   `json:"in_use"`
	RemainingDuration int    `json:"remaining_duration"`
	Duration          int    `json:"duration"`
	ManuallyTriggered bool   `json:"manually_triggered"`
}

type EventSource string

const (
	SourceCommand   EventSource = "command"
	SourcePoll      EventSource = "poll"
	SourceCountdown EventSource = "countdown"
)

type ValveEventType string

const (
	EventActivated   ValveEventType = "activated"
	EventDeactivated ValveEventType = "deactivated"
	EventExpired     ValveEventType = "expired"
	EventAdoptedOn   ValveEventType = "adopted_on"
	EventAdoptedOff  ValveEventType = "adopted_off"
	EventRolledBack  ValveEventType = "rolled_back"
)

type ValveEvent struct {
	Valve     string         `json:"valve"`
	Event     ValveEventType `json:"event"`
	Source    EventSource    `json:"source"`
	Remaining int            `json:"remaining"`
	At        time.Time      `json:"at"`
}

// SystemSnapshot is the controller-wide view served to the REST API, metrics
// and the debug CLI.
type SystemSnapshot struct {
	Valves           []ValveSnapshot `json:"valves"`
	Active           bool            `json:"active"`
	InUse            bool            `json:"in_use"`
	ProgramMode      ProgramStatus   `json:"program_mode"`
	RainDelay        bool            `json:"rain_delay"`
	RainDelayEnabled bool            `json:"rain_delay_enabled"`
	LastPoll         time.Time       `json:"last_poll"`
	LastPollError    string          `json:"last_poll_error,omitempty"`
}

// Slug lowercases a valve name and replaces every run of characters other
// than letters and digits with a single underscore.
func Slug(name string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pendingSep = false
			sb.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return sb.String()
}
