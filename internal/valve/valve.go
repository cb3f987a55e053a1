// Package valve holds the per-valve state machine. A Valve owns its countdown
// task; reconciliation, commands and ticks are serialized by the valve lock.
package valve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

const DefaultTickInterval = time.Second

var (
	ErrClosed          = errors.New("valve is closed")
	ErrInvalidDuration = errors.New("duration must be greater than 0")
)

// Commander is the part of the device client a valve needs.
type Commander interface {
	SetValve(ctx context.Context, enable bool, index, durationSeconds int) error
}

// Change describes one observable state change. Event is empty for updates
// that only move RemainingDuration or reflect an optimistic command.
type Change struct {
	Snapshot model.ValveSnapshot
	Event    model.ValveEventType
	Source   model.EventSource
	At       time.Time
}

// Listener receives every change in order. It is called with the valve lock
// held and must not call back into the valve.
type Listener interface {
	ValveChanged(Change)
}

type ListenerFunc func(Change)

func (f ListenerFunc) ValveChanged(c Change) { f(c) }

type Options struct {
	// TickInterval is the countdown resolution. Defaults to one second.
	TickInterval time.Duration
	// CommandGrace extends a command's authority over polls started shortly
	// after it was confirmed.
	CommandGrace time.Duration
	Now          func() time.Time
}

type Valve struct {
	name     string
	index    int
	device   Commander
	listener Listener

	tickInterval time.Duration
	commandGrace time.Duration
	now          func() time.Time

	// cmdMu serializes commands so only one is ever in flight per valve.
	cmdMu sync.Mutex

	mu                sync.Mutex
	active            bool
	inUse             bool
	remaining         int
	duration          int
	manuallyTriggered bool
	pending           bool
	commandedAt       time.Time
	gen               uint64
	stop              chan struct{}
	closed            bool
}

func New(cfg model.ValveConfig, index int, device Commander, listener Listener, opts Options) *Valve {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Valve{
		name:         cfg.Name,
		index:        index,
		device:       device,
		listener:     listener,
		tickInterval: opts.TickInterval,
		commandGrace: opts.CommandGrace,
		now:          opts.Now,
		duration:     cfg.DefaultDuration,
	}
}

func (v *Valve) Name() string { return v.name }

func (v *Valve) Index() int { return v.index }

func (v *Valve) Snapshot() model.ValveSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *Valve) Duration() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.duration
}

// SetDuration changes the run time used by the next Activate without a
// duration. A running cycle is not affected.
func (v *Valve) SetDuration(seconds int) error {
	if seconds <= 0 {
		return ErrInvalidDuration
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.duration == seconds {
		return nil
	}
	v.duration = seconds
	v.emit("", model.SourceCommand)
	return nil
}

// Activate turns the valve on for seconds, or for the configured duration
// when seconds is 0. Local state is updated before the device answers and
// restored if the device call fails.
func (v *Valve) Activate(ctx context.Context, seconds int) error {
	if seconds < 0 {
		return ErrInvalidDuration
	}

	v.cmdMu.Lock()
	defer v.cmdMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if seconds == 0 {
		seconds = v.duration
	}
	prevManual := v.manuallyTriggered
	v.active = true
	v.manuallyTriggered = true
	v.beginCommandLocked()
	v.emit("", model.SourceCommand)
	v.mu.Unlock()

	err := v.device.SetValve(ctx, true, v.index, seconds)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = false
	if err != nil {
		v.rollbackLocked(prevManual)
		log.Error().Err(err).Str("valve", v.name).Int("index", v.index).Msg("Activate failed, rolling back")
		v.emit(model.EventRolledBack, model.SourceCommand)
		return fmt.Errorf("activate %s: %w", v.name, err)
	}

	v.commandedAt = v.now()
	v.active = true
	v.inUse = true
	v.remaining = seconds
	v.startCountdownLocked()
	log.Info().Str("valve", v.name).Int("index", v.index).Int("remaining", seconds).Msg("Valve activated")
	v.emit(model.EventActivated, model.SourceCommand)
	return nil
}

// Deactivate turns the valve off, with the same optimistic update and
// rollback as Activate.
func (v *Valve) Deactivate(ctx context.Context) error {
	v.cmdMu.Lock()
	defer v.cmdMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	prevManual := v.manuallyTriggered
	duration := v.duration
	v.active = false
	v.manuallyTriggered = true
	v.beginCommandLocked()
	v.emit("", model.SourceCommand)
	v.mu.Unlock()

	err := v.device.SetValve(ctx, false, v.index, duration)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = false
	if err != nil {
		v.rollbackLocked(prevManual)
		log.Error().Err(err).Str("valve", v.name).Int("index", v.index).Msg("Deactivate failed, rolling back")
		v.emit(model.EventRolledBack, model.SourceCommand)
		return fmt.Errorf("deactivate %s: %w", v.name, err)
	}

	v.commandedAt = v.now()
	v.active = false
	v.inUse = false
	v.remaining = 0
	v.stopCountdownLocked()
	log.Info().Str("valve", v.name).Int("index", v.index).Msg("Valve deactivated")
	v.emit(model.EventDeactivated, model.SourceCommand)
	return nil
}

// Reconcile merges a polled observation into local state. observedAt is the
// time the poll request started. It reports whether local state changed.
//
// An observation is ignored while a command is in flight and when the poll
// started before the last command's grace window ended. A manually triggered
// valve that is still counting down keeps its countdown unless the device
// disagrees about whether it is running.
func (v *Valve) Reconcile(observed model.ValveStatus, observedAt time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return false
	}
	if v.pending {
		log.Debug().Str("valve", v.name).Msg("Command in flight, skipping reconcile")
		return false
	}
	if !v.commandedAt.IsZero() && observedAt.Before(v.commandedAt.Add(v.commandGrace)) {
		log.Debug().Str("valve", v.name).Time("observed_at", observedAt).Msg("Poll predates last command, skipping reconcile")
		return false
	}

	// A station reported running with no time left is finishing.
	if observed.IsActive && observed.RemainingDuration <= 0 {
		if !v.active {
			return false
		}
		v.expireLocked(model.SourcePoll)
		return true
	}

	if observed.IsActive != v.active {
		v.manuallyTriggered = false
		if observed.IsActive {
			v.active = true
			v.inUse = true
			v.remaining = observed.RemainingDuration
			v.syncCountdownLocked()
			log.Info().Str("valve", v.name).Int("remaining", v.remaining).Msg("Adopting observed running valve")
			v.emit(model.EventAdoptedOn, model.SourcePoll)
		} else {
			v.active = false
			v.inUse = false
			v.remaining = 0
			v.stopCountdownLocked()
			log.Info().Str("valve", v.name).Msg("Adopting observed stopped valve")
			v.emit(model.EventAdoptedOff, model.SourcePoll)
		}
		return true
	}

	if !v.active {
		return false
	}
	if v.manuallyTriggered && v.stop != nil {
		return false
	}
	if observed.RemainingDuration == v.remaining && v.inUse {
		return false
	}

	v.inUse = true
	v.remaining = observed.RemainingDuration
	v.syncCountdownLocked()
	v.emit("", model.SourcePoll)
	return true
}

// Close stops the countdown. Further commands fail with ErrClosed and
// observations are ignored.
func (v *Valve) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.stopCountdownLocked()
}

// rollbackLocked undoes an optimistic update. Outside a command active always
// mirrors inUse, which the countdown may have moved while the call was out.
func (v *Valve) rollbackLocked(prevManual bool) {
	v.active = v.inUse
	v.manuallyTriggered = prevManual
}

func (v *Valve) beginCommandLocked() {
	v.pending = true
	v.commandedAt = v.now()
}

// syncCountdownLocked runs the countdown iff there is time left.
func (v *Valve) syncCountdownLocked() {
	switch {
	case v.remaining <= 0:
		v.stopCountdownLocked()
	case v.stop == nil:
		v.startCountdownLocked()
	}
}

func (v *Valve) startCountdownLocked() {
	v.stopCountdownLocked()
	if v.closed {
		return
	}
	stop := make(chan struct{})
	v.stop = stop
	go v.runCountdown(v.gen, stop)
}

// stopCountdownLocked cancels the running countdown, if any. Bumping the
// generation makes a tick that is already waiting on the lock a no-op.
func (v *Valve) stopCountdownLocked() {
	if v.stop != nil {
		close(v.stop)
		v.stop = nil
	}
	v.gen++
}

func (v *Valve) runCountdown(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(v.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !v.tick(gen) {
				return
			}
		}
	}
}

// tick advances the countdown for generation gen by one step and reports
// whether it should keep running.
func (v *Valve) tick(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if gen != v.gen || !v.inUse {
		return false
	}
	if v.remaining > 0 {
		v.remaining--
	}
	if v.remaining > 0 {
		v.emit("", model.SourceCountdown)
		return true
	}

	v.expireLocked(model.SourceCountdown)
	return false
}

func (v *Valve) expireLocked(source model.EventSource) {
	v.manuallyTriggered = false
	v.active = false
	v.inUse = false
	v.remaining = 0
	v.stopCountdownLocked()
	log.Info().Str("valve", v.name).Str("source", string(source)).Msg("Run finished, valve off")
	v.emit(model.EventExpired, source)
}

func (v *Valve) snapshotLocked() model.ValveSnapshot {
	return model.ValveSnapshot{
		Name:              v.name,
		Index:             v.index,
		Active:            v.active,
		InUse:             v.inUse,
		RemainingDuration: v.remaining,
		Duration:          v.duration,
		ManuallyTriggered: v.manuallyTriggered,
	}
}

func (v *Valve) emit(event model.ValveEventType, source model.EventSource) {
	if v.listener == nil {
		return
	}
	v.listener.ValveChanged(Change{
		Snapshot: v.snapshotLocked(),
		Event:    event,
		Source:   source,
		At:       v.now(),
	})
}
