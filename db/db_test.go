package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every pooled connection would get its own in-memory database
	conn.SetMaxOpenConns(1)
	require.NoError(t, ApplySchema(conn))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestValveDurations(t *testing.T) {
	conn := openTestDB(t)

	durations, err := GetValveDurations(conn)
	require.NoError(t, err)
	assert.Empty(t, durations)

	require.NoError(t, SaveValveDuration(conn, "Front yard", 300))
	require.NoError(t, SaveValveDuration(conn, "Back yard", 600))
	require.NoError(t, SaveValveDuration(conn, "Front yard", 450))

	durations, err = GetValveDurations(conn)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Front yard": 450, "Back yard": 600}, durations)

	d, err := GetValveDuration(conn, "Back yard")
	require.NoError(t, err)
	assert.Equal(t, 600, d)

	_, err = GetValveDuration(conn, "Side yard")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.Error(t, SaveValveDuration(conn, "Front yard", 0))

	require.NoError(t, DeleteValveDurations(conn))
	durations, err = GetValveDurations(conn)
	require.NoError(t, err)
	assert.Empty(t, durations)
}

func TestValveEvents(t *testing.T) {
	conn := openTestDB(t)
	base := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)

	events := []model.ValveEvent{
		{Valve: "Front yard", Event: model.EventActivated, Source: model.SourceCommand, Remaining: 300, At: base},
		{Valve: "Back yard", Event: model.EventAdoptedOn, Source: model.SourcePoll, Remaining: 120, At: base.Add(time.Minute)},
		{Valve: "Front yard", Event: model.EventExpired, Source: model.SourceCountdown, At: base.Add(5 * time.Minute)},
	}
	for _, ev := range events {
		require.NoError(t, InsertValveEvent(conn, ev))
	}

	all, err := GetValveEvents(conn, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events[2], all[0], "newest first")

	front, err := GetValveEvents(conn, "Front yard", 10)
	require.NoError(t, err)
	assert.Equal(t, []model.ValveEvent{events[2], events[0]}, front)

	limited, err := GetValveEvents(conn, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	deleted, err := PruneValveEvents(conn, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	n, err := CountValveEvents(conn)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEventRecorder(t *testing.T) {
	conn := openTestDB(t)
	rec := NewEventRecorder(conn, 0)
	at := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)

	rec.ValveChanged(valve.Change{
		Snapshot: model.ValveSnapshot{Name: "Front yard", RemainingDuration: 299},
		Source:   model.SourceCountdown,
		At:       at,
	})
	rec.ValveChanged(valve.Change{
		Snapshot: model.ValveSnapshot{Name: "Front yard", Active: true, InUse: true, RemainingDuration: 300},
		Event:    model.EventActivated,
		Source:   model.SourceCommand,
		At:       at,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	events, err := GetValveEvents(conn, "Front yard", 10)
	require.NoError(t, err)
	assert.Equal(t, []model.ValveEvent{{
		Valve:     "Front yard",
		Event:     model.EventActivated,
		Source:    model.SourceCommand,
		Remaining: 300,
		At:        at,
	}}, events)
}

func TestDurationStoreAndCLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sprinkler.db")

	require.NoError(t, SetValveDurationCLI(path, "Front yard", 240))

	conn, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, DurationStore{DB: conn}.SaveValveDuration("Back yard", 90))
	require.NoError(t, InsertValveEvent(conn, model.ValveEvent{
		Valve: "Back yard", Event: model.EventDeactivated, Source: model.SourceCommand, At: time.Now(),
	}))
	durations, err := GetValveDurations(conn)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Front yard": 240, "Back yard": 90}, durations)
	require.NoError(t, conn.Close())

	history, err := ValveHistoryCLI(path, "Back yard", 5)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	total, err := HistoryCountCLI(path)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	seconds, saved, err := ValveDurationCLI(path, "Front yard")
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, 240, seconds)

	_, saved, err = ValveDurationCLI(path, "Side yard")
	require.NoError(t, err)
	assert.False(t, saved)

	deleted, err := PruneHistoryCLI(path, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	require.NoError(t, ResetValveDurationsCLI(path))
}
