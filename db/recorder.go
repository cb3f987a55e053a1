package db

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/irrigationcontroller"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

const (
	DefaultHistoryKeep = 5000
	recorderBuffer     = 256
	pruneEvery         = 500
)

// DurationStore saves valve durations for the irrigation controller.
type DurationStore struct {
	DB *sql.DB
}

func (s DurationStore) SaveValveDuration(name string, seconds int) error {
	return SaveValveDuration(s.DB, name, seconds)
}

// EventRecorder writes valve transitions to valve_events. Events are queued
// so the controller never waits on disk; Run does the writes.
type EventRecorder struct {
	irrigationcontroller.NopListener

	db     *sql.DB
	keep   int
	events chan model.ValveEvent
}

func NewEventRecorder(db *sql.DB, keep int) *EventRecorder {
	if keep <= 0 {
		keep = DefaultHistoryKeep
	}
	return &EventRecorder{
		db:     db,
		keep:   keep,
		events: make(chan model.ValveEvent, recorderBuffer),
	}
}

func (r *EventRecorder) ValveChanged(c valve.Change) {
	if c.Event == "" {
		return
	}
	ev := model.ValveEvent{
		Valve:     c.Snapshot.Name,
		Event:     c.Event,
		Source:    c.Source,
		Remaining: c.Snapshot.RemainingDuration,
		At:        c.At,
	}
	select {
	case r.events <- ev:
	default:
		log.Warn().Str("valve", ev.Valve).Str("event", string(ev.Event)).Msg("Event history queue full, dropping event")
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (r *EventRecorder) Run(ctx context.Context) {
	written := 0
	for {
		select {
		case ev := <-r.events:
			r.write(ev)
			written++
			if written%pruneEvery == 0 {
				if n, err := PruneValveEvents(r.db, r.keep); err != nil {
					log.Warn().Err(err).Msg("Failed to prune event history")
				} else if n > 0 {
					log.Debug().Int64("deleted", n).Msg("Pruned event history")
				}
			}
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.events:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *EventRecorder) write(ev model.ValveEvent) {
	if err := InsertValveEvent(r.db, ev); err != nil {
		log.Error().Err(err).Str("valve", ev.Valve).Msg("Failed to record valve event")
	}
}
