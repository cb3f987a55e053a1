// Package failsafecontroller watches status polls and raises an alert when
// the controller has been unreachable for too long. Valve state is never
// touched: the bridge keeps its last known state while offline.
package failsafecontroller

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/irrigationcontroller"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

type Notifier interface {
	Send(title, message string) error
}

// PollState tracks the current run of failed polls.
type PollState struct {
	FirstFailure time.Time
	Failures     int
	LastError    string
	Alerted      bool
}

type FailsafeAction struct {
	SendOfflineAlert   bool
	SendRecoveredAlert bool
	OfflineFor         time.Duration
	Failures           int
	LastError          string
}

// Watchdog is an irrigation controller listener.
type Watchdog struct {
	irrigationcontroller.NopListener

	notifier  Notifier
	threshold time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state PollState
	sends sync.WaitGroup
}

// New returns a watchdog that alerts once polls have failed for threshold.
func New(notifier Notifier, threshold time.Duration) *Watchdog {
	log.Info().Dur("threshold", threshold).Msg("Starting failsafe controller")
	return &Watchdog{
		notifier:  notifier,
		threshold: threshold,
		now:       time.Now,
	}
}

func (w *Watchdog) PollCompleted(_ *model.SystemStatus, err error) {
	w.mu.Lock()
	next, action := evaluateFailsafeActions(w.state, err, w.now(), w.threshold)
	w.state = next
	w.mu.Unlock()

	w.executeFailsafeActions(action)
}

func (w *Watchdog) State() PollState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Wait blocks until queued alerts have been sent.
func (w *Watchdog) Wait() {
	w.sends.Wait()
}

func evaluateFailsafeActions(state PollState, pollErr error, now time.Time, threshold time.Duration) (PollState, FailsafeAction) {
	var action FailsafeAction

	if pollErr == nil {
		if state.Alerted {
			action.SendRecoveredAlert = true
			action.OfflineFor = now.Sub(state.FirstFailure)
			action.Failures = state.Failures
		}
		return PollState{}, action
	}

	if state.Failures == 0 {
		state.FirstFailure = now
	}
	state.Failures++
	state.LastError = pollErr.Error()

	offlineFor := now.Sub(state.FirstFailure)
	if !state.Alerted && offlineFor >= threshold {
		state.Alerted = true
		action.SendOfflineAlert = true
		action.OfflineFor = offlineFor
		action.Failures = state.Failures
		action.LastError = state.LastError
	}
	return state, action
}

func (w *Watchdog) executeFailsafeActions(action FailsafeAction) {
	var title, message string
	switch {
	case action.SendOfflineAlert:
		log.Warn().
			Dur("offline_for", action.OfflineFor).
			Int("failures", action.Failures).
			Str("last_error", action.LastError).
			Msg("Controller unreachable - sending failsafe alert")
		title = "Sprinkler controller offline"
		message = fmt.Sprintf("No status for %s (%d failed polls): %s",
			action.OfflineFor.Round(time.Second), action.Failures, action.LastError)
	case action.SendRecoveredAlert:
		log.Info().
			Dur("offline_for", action.OfflineFor).
			Msg("Controller reachable again")
		title = "Sprinkler controller back online"
		message = fmt.Sprintf("Status polls recovered after %s.", action.OfflineFor.Round(time.Second))
	default:
		return
	}

	if w.notifier == nil {
		return
	}
	w.sends.Add(1)
	// Listeners must not block the controller.
	go func() {
		defer w.sends.Done()
		if err := w.notifier.Send(title, message); err != nil {
			log.Error().Err(err).Msg("Failed to send failsafe notification")
		}
	}()
}
