package db

import (
	"database/sql"
	"errors"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

func ValveHistoryCLI(dbPath, valve string, limit int) ([]model.ValveEvent, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer dbConn.Close()

	return GetValveEvents(dbConn, valve, limit)
}

func HistoryCountCLI(dbPath string) (int, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer dbConn.Close()

	return CountValveEvents(dbConn)
}

// ValveDurationCLI reports the saved duration for name. saved is false when
// the valve still runs on its configured default.
func ValveDurationCLI(dbPath, name string) (seconds int, saved bool, err error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return 0, false, err
	}
	defer dbConn.Close()

	seconds, err = GetValveDuration(dbConn, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seconds, true, nil
}

func SetValveDurationCLI(dbPath, name string, seconds int) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	return SaveValveDuration(dbConn, name, seconds)
}

func ResetValveDurationsCLI(dbPath string) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	return DeleteValveDurations(dbConn)
}

func PruneHistoryCLI(dbPath string, keep int) (int64, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer dbConn.Close()

	return PruneValveEvents(dbConn, keep)
}
