package db

import (
	"database/sql"
	"fmt"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func SaveValveDuration(db *sql.DB, name string, seconds int) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if err := SaveValveDurationWithTx(tx, name, seconds); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func SaveValveDurationWithTx(tx *sql.Tx, name string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("duration for %s must be greater than 0, got %d", name, seconds)
	}
	_, err := tx.Exec(`INSERT INTO valve_durations (name, duration, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET duration = excluded.duration, updated_at = excluded.updated_at`,
		name, seconds, formatTime(now()))
	if err != nil {
		return fmt.Errorf("save valve duration: %w", err)
	}
	return nil
}

func DeleteValveDurations(db *sql.DB) error {
	if _, err := db.Exec(`DELETE FROM valve_durations`); err != nil {
		return fmt.Errorf("delete valve durations: %w", err)
	}
	return nil
}

func InsertValveEvent(db *sql.DB, ev model.ValveEvent) error {
	_, err := db.Exec(`INSERT INTO valve_events (valve, event, source, remaining, at) VALUES (?, ?, ?, ?, ?)`,
		ev.Valve, string(ev.Event), string(ev.Source), ev.Remaining, formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("insert valve event: %w", err)
	}
	return nil
}

// PruneValveEvents keeps only the newest keep events.
func PruneValveEvents(db *sql.DB, keep int) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM valve_events WHERE id NOT IN (SELECT id FROM valve_events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		RollbackTransaction(tx)
		return 0, fmt.Errorf("prune valve events: %w", err)
	}
	if err := CommitTransaction(tx); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
