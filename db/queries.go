package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

// DefaultHistoryLimit caps history queries that do not set a limit.
const DefaultHistoryLimit = 100

var now = time.Now

// GetValveDurations returns every saved duration keyed by valve name.
func GetValveDurations(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(`SELECT name, duration FROM valve_durations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valve durations: %w", err)
	}
	defer rows.Close()

	durations := map[string]int{}
	for rows.Next() {
		var name string
		var duration int
		if err := rows.Scan(&name, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan valve duration: %w", err)
		}
		durations[name] = duration
	}
	return durations, rows.Err()
}

func GetValveDuration(db *sql.DB, name string) (int, error) {
	var duration int
	err := db.QueryRow(`SELECT duration FROM valve_durations WHERE name = ?`, name).Scan(&duration)
	if err != nil {
		return 0, fmt.Errorf("failed to get duration for %s: %w", name, err)
	}
	return duration, nil
}

// GetValveEvents returns the newest events first. An empty valve name
// returns events for every valve.
func GetValveEvents(db *sql.DB, valve string, limit int) ([]model.ValveEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var rows *sql.Rows
	var err error
	if valve == "" {
		rows, err = db.Query(`SELECT valve, event, source, remaining, at FROM valve_events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = db.Query(`SELECT valve, event, source, remaining, at FROM valve_events WHERE valve = ? ORDER BY id DESC LIMIT ?`, valve, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query valve events: %w", err)
	}
	defer rows.Close()

	events := []model.ValveEvent{}
	for rows.Next() {
		var ev model.ValveEvent
		var at string
		if err := rows.Scan(&ev.Valve, &ev.Event, &ev.Source, &ev.Remaining, &at); err != nil {
			return nil, fmt.Errorf("failed to scan valve event: %w", err)
		}
		ev.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event time %q: %w", at, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func CountValveEvents(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM valve_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count valve events: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
