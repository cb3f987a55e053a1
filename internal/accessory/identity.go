package accessory

import (
	"github.com/google/uuid"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

const manufacturer = "OpenSprinkler"

// Info is published retained on the info topic.
type Info struct {
	AccessoryID      string `json:"accessory_id"`
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	FirmwareRevision string `json:"firmware_revision"`
	SerialNumber     string `json:"serial_number"`
}

// AccessoryID derives a stable UUID from the controller's identifier, so
// the accessory keeps its identity across restarts.
func AccessoryID(deviceIdentifier string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(deviceIdentifier))
}

func NewInfo(dev model.DeviceInfo) Info {
	return Info{
		AccessoryID:      AccessoryID(dev.DeviceIdentifier).String(),
		Manufacturer:     manufacturer,
		Model:            dev.HardwareVersion,
		FirmwareRevision: dev.FirmwareVersion,
		SerialNumber:     dev.DeviceIdentifier,
	}
}
