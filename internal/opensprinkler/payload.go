package opensprinkler

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AllPayload is the body of the aggregate "ja" endpoint. Only the fields the
// bridge consumes are decoded.
type AllPayload struct {
	Options  DeviceOptions `json:"options"`
	Settings Settings      `json:"settings"`
	Status   Status        `json:"status"`
	Programs Programs      `json:"programs"`
}

type DeviceOptions struct {
	FirmwareVersion int             `json:"fwv"`
	HardwareVersion HardwareVersion `json:"hwv"`
}

type Settings struct {
	MAC           string         `json:"mac"`
	Location      string         `json:"loc"`
	ProgramStates []ProgramState `json:"ps"`
	RainDelay     int            `json:"rd"`
}

type Status struct {
	Stations []int `json:"sn"`
}

type Programs struct {
	Data []ProgramData `json:"pd"`
}

// ManualProgramID is the program id the controller reports for a station
// started directly rather than by a stored program.
const ManualProgramID = 99

// ProgramState is one station's [programId, remainingSeconds, startTime] entry.
// Newer firmware appends a group id, which is ignored.
type ProgramState struct {
	ProgramID int
	Remaining int
	StartTime int64
}

func (p *ProgramState) UnmarshalJSON(b []byte) error {
	var raw []int64
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("program state: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("program state: want at least 2 fields, got %d", len(raw))
	}
	p.ProgramID = int(raw[0])
	p.Remaining = int(raw[1])
	if len(raw) > 2 {
		p.StartTime = raw[2]
	}
	return nil
}

// ProgramData is one stored program. The controller encodes a program as a
// heterogeneous array whose first element is the flag byte; the rest is
// schedule detail the bridge does not need.
type ProgramData struct {
	Flag int
}

func (p *ProgramData) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("program data: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("program data: empty program")
	}
	if err := json.Unmarshal(raw[0], &p.Flag); err != nil {
		return fmt.Errorf("program data flag: %w", err)
	}
	return nil
}

// HardwareVersion holds the "hwv" option, which older firmware reports as a
// free-form string and newer firmware as a numeric code.
type HardwareVersion struct {
	Code   int
	Text   string
	IsText bool
}

func (h *HardwareVersion) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		h.IsText = true
		return json.Unmarshal(b, &h.Text)
	}
	h.IsText = false
	return json.Unmarshal(b, &h.Code)
}

// String renders the hardware version the way the controller's own UI does.
func (h HardwareVersion) String() string {
	if h.IsText {
		return h.Text
	}
	switch h.Code {
	case 64:
		return "OSPi"
	case 128:
		return "OSBo"
	case 192:
		return "Linux"
	case 255:
		return "Demo"
	}
	return fmt.Sprintf("%d.%d", h.Code/10, h.Code%10)
}

type commandResult struct {
	Result *int `json:"result"`
}

// successResult is the "result" value the controller uses to acknowledge a command.
const successResult = 1
