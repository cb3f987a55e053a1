package irrigationcontroller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/opensprinkler"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/status"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

const (
	DefaultPollInterval   = 15 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

var (
	ErrUnknownValve      = errors.New("unknown valve")
	ErrRainDelayDisabled = errors.New("rain delay switch is disabled")
)

// Device is the controller-facing surface of the OpenSprinkler client.
type Device interface {
	SystemStatus(ctx context.Context) (*opensprinkler.AllPayload, error)
	SetValve(ctx context.Context, enable bool, index, durationSeconds int) error
	SetRainDelay(ctx context.Context, hours int) error
}

// DurationStore persists durations set through SetValveDuration.
type DurationStore interface {
	SaveValveDuration(name string, seconds int) error
}

type Settings struct {
	Valves []model.ValveConfig
	// Durations holds previously saved durations keyed by valve name. They
	// replace the configured default duration.
	Durations      map[string]int
	PollInterval   time.Duration
	RequestTimeout time.Duration
	CommandGrace   time.Duration
	// RainDelayHours is the delay set by the rain-delay switch. Zero disables
	// the switch and rain-delay tracking.
	RainDelayHours int
	Store          DurationStore

	// TickInterval and Now are overridden in tests.
	TickInterval time.Duration
	Now          func() time.Time
}

type Controller struct {
	device   Device
	listener Listener
	settings Settings
	now      func() time.Time

	valves []*valve.Valve
	byName map[string]*valve.Valve

	mu                 sync.Mutex
	polledMode         model.ProgramStatus
	programMode        model.ProgramStatus
	manualCounting     map[string]bool
	rainDelay          bool
	rainDelayPending   bool
	rainDelayCommanded time.Time
	lastPoll           time.Time
	lastPollErr        error
}

// EvaluateProgramMode combines the polled program status with local state. A
// manually started valve that is still counting down is reported as manual,
// or as override when a program is also running.
var EvaluateProgramMode = func(polled model.ProgramStatus, localManual bool) model.ProgramStatus {
	if !localManual {
		return polled
	}
	switch polled {
	case model.ProgramScheduled, model.ProgramOverride:
		return model.ProgramOverride
	default:
		return model.ProgramManual
	}
}

func New(device Device, listener Listener, settings Settings) (*Controller, error) {
	if len(settings.Valves) == 0 {
		return nil, errors.New("at least one valve is required")
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultPollInterval
	}
	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = DefaultRequestTimeout
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if listener == nil {
		listener = NopListener{}
	}

	c := &Controller{
		device:         device,
		listener:       listener,
		settings:       settings,
		now:            settings.Now,
		byName:         make(map[string]*valve.Valve, len(settings.Valves)),
		polledMode:     model.ProgramOff,
		programMode:    model.ProgramOff,
		manualCounting: make(map[string]bool, len(settings.Valves)),
	}

	opts := valve.Options{
		TickInterval: settings.TickInterval,
		CommandGrace: settings.CommandGrace,
		Now:          settings.Now,
	}
	for i, cfg := range settings.Valves {
		if _, exists := c.byName[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate valve name %q", cfg.Name)
		}
		v := valve.New(cfg, cfg.SlotIndex(i), device, valve.ListenerFunc(c.valveChanged), opts)
		if saved, ok := settings.Durations[cfg.Name]; ok && saved > 0 {
			if err := v.SetDuration(saved); err != nil {
				return nil, err
			}
		}
		c.valves = append(c.valves, v)
		c.byName[cfg.Name] = v
	}
	return c, nil
}

// Run polls immediately and then on every interval until ctx is done. On
// return every valve countdown has been stopped.
func (c *Controller) Run(ctx context.Context) {
	log.Info().
		Dur("interval", c.settings.PollInterval).
		Int("valves", len(c.valves)).
		Bool("rain_delay", c.RainDelayEnabled()).
		Msg("Starting irrigation controller")

	ticker := time.NewTicker(c.settings.PollInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to get valve statuses")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping irrigation controller")
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches and applies one system status.
func (c *Controller) Poll(ctx context.Context) (*model.SystemStatus, error) {
	startedAt := c.now()

	reqCtx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()

	payload, err := c.device.SystemStatus(reqCtx)
	if err == nil {
		var sys model.SystemStatus
		sys, err = status.Decode(payload, c.settings.Valves, startedAt)
		if err == nil {
			c.Apply(sys)
			c.recordPoll(startedAt, nil)
			c.listener.PollCompleted(&sys, nil)
			return &sys, nil
		}
	}

	c.recordPoll(startedAt, err)
	c.listener.PollCompleted(nil, err)
	return nil, err
}

// Apply reconciles every valve against a decoded status and updates the
// system-level rain delay and program mode.
func (c *Controller) Apply(sys model.SystemStatus) {
	for _, v := range c.valves {
		observed, ok := sys.ValveStatuses[v.Name()]
		if !ok {
			continue
		}
		v.Reconcile(observed, sys.ObservedAt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.RainDelayEnabled() && !c.rainDelayPending && sys.RainDelay != c.rainDelay &&
		!sys.ObservedAt.Before(c.rainDelayCommanded.Add(c.settings.CommandGrace)) {
		c.rainDelay = sys.RainDelay
		log.Info().Bool("rain_delay", c.rainDelay).Msg("Rain delay changed on controller")
		c.listener.RainDelayChanged(c.rainDelay)
	}

	c.polledMode = sys.ProgramStatus
	c.updateProgramModeLocked()
}

func (c *Controller) SetValveActive(ctx context.Context, name string, active bool) error {
	v, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValve, name)
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()

	if active {
		return v.Activate(ctx, 0)
	}
	return v.Deactivate(ctx)
}

// SetValveDuration changes the run time of the next activation and saves it.
func (c *Controller) SetValveDuration(name string, seconds int) error {
	v, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValve, name)
	}
	if err := v.SetDuration(seconds); err != nil {
		return err
	}
	log.Info().Str("valve", name).Int("duration", seconds).Msg("Valve duration updated")

	if c.settings.Store != nil {
		if err := c.settings.Store.SaveValveDuration(name, seconds); err != nil {
			return fmt.Errorf("save duration for %s: %w", name, err)
		}
	}
	return nil
}

// SetRainDelay turns the controller's rain delay on for the configured number
// of hours, or cancels it. The switch state is updated immediately and
// restored if the device rejects the command.
func (c *Controller) SetRainDelay(ctx context.Context, enabled bool) error {
	if !c.RainDelayEnabled() {
		return ErrRainDelayDisabled
	}

	c.mu.Lock()
	prev := c.rainDelay
	c.rainDelay = enabled
	c.rainDelayPending = true
	c.rainDelayCommanded = c.now()
	if prev != enabled {
		c.listener.RainDelayChanged(enabled)
	}
	c.mu.Unlock()

	hours := 0
	if enabled {
		hours = c.settings.RainDelayHours
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()
	err := c.device.SetRainDelay(ctx, hours)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rainDelayPending = false
	c.rainDelayCommanded = c.now()
	if err != nil {
		log.Error().Err(err).Bool("rain_delay", enabled).Msg("Failed to set rain delay, rolling back")
		if c.rainDelay != prev {
			c.rainDelay = prev
			c.listener.RainDelayChanged(prev)
		}
		return err
	}
	log.Info().Bool("rain_delay", enabled).Int("hours", hours).Msg("Rain delay set")
	return nil
}

func (c *Controller) RainDelayEnabled() bool {
	return c.settings.RainDelayHours > 0
}

func (c *Controller) Valve(name string) (model.ValveSnapshot, error) {
	v, ok := c.byName[name]
	if !ok {
		return model.ValveSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownValve, name)
	}
	return v.Snapshot(), nil
}

func (c *Controller) ValveNames() []string {
	names := make([]string, 0, len(c.valves))
	for _, v := range c.valves {
		names = append(names, v.Name())
	}
	return names
}

func (c *Controller) Snapshot() model.SystemSnapshot {
	snap := model.SystemSnapshot{Valves: make([]model.ValveSnapshot, 0, len(c.valves))}
	for _, v := range c.valves {
		vs := v.Snapshot()
		snap.Active = snap.Active || vs.Active
		snap.InUse = snap.InUse || vs.InUse
		snap.Valves = append(snap.Valves, vs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap.ProgramMode = c.programMode
	snap.RainDelay = c.rainDelay
	snap.RainDelayEnabled = c.RainDelayEnabled()
	snap.LastPoll = c.lastPoll
	if c.lastPollErr != nil {
		snap.LastPollError = c.lastPollErr.Error()
	}
	return snap
}

// Close stops every valve countdown.
func (c *Controller) Close() {
	for _, v := range c.valves {
		v.Close()
	}
}

func (c *Controller) recordPoll(at time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPoll = at
	c.lastPollErr = err
}

// valveChanged runs under the changed valve's lock.
func (c *Controller) valveChanged(ch valve.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := ch.Snapshot
	c.manualCounting[s.Name] = s.ManuallyTriggered && s.InUse && s.RemainingDuration > 0
	c.listener.ValveChanged(ch)
	c.updateProgramModeLocked()
}

func (c *Controller) updateProgramModeLocked() {
	localManual := false
	for _, counting := range c.manualCounting {
		if counting {
			localManual = true
			break
		}
	}

	mode := EvaluateProgramMode(c.polledMode, localManual)
	if mode == c.programMode {
		return
	}
	log.Info().
		Str("program_mode", string(mode)).
		Str("polled", string(c.polledMode)).
		Bool("local_manual", localManual).
		Msg("Program mode changed")
	c.programMode = mode
	c.listener.ProgramModeChanged(mode)
}
