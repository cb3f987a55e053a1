// Package accessory exposes the irrigation controller as an MQTT accessory:
// state changes are published as retained messages and user intents arrive
// on "set" topics.
package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/irrigationcontroller"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

// Commands is the controller surface intents are routed to.
type Commands interface {
	SetValveActive(ctx context.Context, name string, active bool) error
	SetValveDuration(name string, seconds int) error
	SetRainDelay(ctx context.Context, enabled bool) error
	RainDelayEnabled() bool
	Snapshot() model.SystemSnapshot
}

type Notifier interface {
	Send(title, message string) error
}

// ErrorReport is published on the error topic when an intent fails.
type ErrorReport struct {
	Intent string    `json:"intent"`
	Valve  string    `json:"valve,omitempty"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Bridge is an irrigation controller listener. Listener calls only queue
// messages; Run publishes them. Queued retained messages for the same topic
// collapse to the newest.
type Bridge struct {
	irrigationcontroller.NopListener

	pub      Publisher
	base     string
	info     Info
	notifier Notifier
	slugs    map[string]string

	mu      sync.Mutex
	pending []Message
	notify  chan struct{}

	ctx      context.Context
	commands Commands
	intents  sync.WaitGroup
	sends    sync.WaitGroup
}

// NewBridge builds a bridge publishing under prefix/<accessory id>.
// notifier may be nil.
func NewBridge(pub Publisher, prefix string, info Info, valveNames []string, notifier Notifier) *Bridge {
	slugs := make(map[string]string, len(valveNames))
	for _, name := range valveNames {
		slugs[model.Slug(name)] = name
	}
	return &Bridge{
		pub:      pub,
		base:     BaseTopic(prefix, info.AccessoryID),
		info:     info,
		notifier: notifier,
		slugs:    slugs,
		notify:   make(chan struct{}, 1),
	}
}

// BaseTopic is the root of every topic the accessory uses.
func BaseTopic(prefix, accessoryID string) string {
	return strings.TrimRight(prefix, "/") + "/" + accessoryID
}

// AvailabilityTopic carries "online" or "offline", retained.
func AvailabilityTopic(base string) string { return base + "/availability" }

func (b *Bridge) ValveTopic(name string) string {
	return b.base + "/valves/" + model.Slug(name) + "/state"
}

// Run subscribes to intent topics, publishes the accessory info and current
// state, then publishes queued changes until ctx is done.
func (b *Bridge) Run(ctx context.Context, commands Commands) error {
	b.mu.Lock()
	b.ctx = ctx
	b.commands = commands
	b.mu.Unlock()

	if err := b.pub.Subscribe(b.base+"/valves/+/active/set", b.handleIntent); err != nil {
		return err
	}
	if err := b.pub.Subscribe(b.base+"/valves/+/duration/set", b.handleIntent); err != nil {
		return err
	}
	if commands.RainDelayEnabled() {
		if err := b.pub.Subscribe(b.base+"/rain_delay/set", b.handleIntent); err != nil {
			return err
		}
	}

	b.enqueueJSON(b.base+"/info", true, b.info)
	b.publishSnapshot(commands.Snapshot())

	log.Info().Str("topic", b.base).Msg("Accessory bridge running")
	for {
		b.flush()
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.commands = nil
			b.mu.Unlock()
			b.intents.Wait()
			b.sends.Wait()
			b.flush()
			return nil
		case <-b.notify:
		}
	}
}

func (b *Bridge) ValveChanged(c valve.Change) {
	b.enqueueJSON(b.ValveTopic(c.Snapshot.Name), true, c.Snapshot)
}

func (b *Bridge) ProgramModeChanged(mode model.ProgramStatus) {
	b.enqueue(b.base+"/program_mode", true, []byte(mode))
}

func (b *Bridge) RainDelayChanged(on bool) {
	b.enqueue(b.base+"/rain_delay", true, []byte(strconv.FormatBool(on)))
}

func (b *Bridge) publishSnapshot(snap model.SystemSnapshot) {
	for _, v := range snap.Valves {
		b.enqueueJSON(b.ValveTopic(v.Name), true, v)
	}
	b.ProgramModeChanged(snap.ProgramMode)
	if snap.RainDelayEnabled {
		b.RainDelayChanged(snap.RainDelay)
	}
}

func (b *Bridge) handleIntent(topic string, payload []byte) {
	b.mu.Lock()
	ctx, commands := b.ctx, b.commands
	b.mu.Unlock()
	if commands == nil || ctx.Err() != nil {
		return
	}

	rest := strings.TrimPrefix(topic, b.base+"/")
	value := strings.TrimSpace(string(payload))

	var run func() error
	var intent, name string

	switch {
	case rest == "rain_delay/set":
		intent = "rain_delay"
		on, err := parseBool(value)
		if err != nil {
			b.reportError(intent, "", err)
			return
		}
		run = func() error { return commands.SetRainDelay(ctx, on) }

	case strings.HasPrefix(rest, "valves/"):
		parts := strings.Split(strings.TrimPrefix(rest, "valves/"), "/")
		if len(parts) != 3 || parts[2] != "set" {
			return
		}
		var ok bool
		name, ok = b.slugs[parts[0]]
		if !ok {
			b.reportError(parts[1], parts[0], fmt.Errorf("unknown valve %q", parts[0]))
			return
		}

		switch parts[1] {
		case "active":
			intent = "active"
			on, err := parseBool(value)
			if err != nil {
				b.reportError(intent, name, err)
				return
			}
			run = func() error { return commands.SetValveActive(ctx, name, on) }
		case "duration":
			intent = "duration"
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds <= 0 {
				b.reportError(intent, name, fmt.Errorf("invalid duration %q", value))
				return
			}
			run = func() error { return commands.SetValveDuration(name, seconds) }
		default:
			return
		}

	default:
		return
	}

	log.Debug().Str("topic", topic).Str("payload", value).Msg("Received intent")

	b.mu.Lock()
	if b.commands == nil {
		b.mu.Unlock()
		return
	}
	b.intents.Add(1)
	b.mu.Unlock()

	// Handlers run on the MQTT client's goroutine and must not block on the device.
	go func() {
		defer b.intents.Done()
		if err := run(); err != nil {
			b.reportError(intent, name, err)
		}
	}()
}

func (b *Bridge) reportError(intent, valveName string, err error) {
	log.Error().Err(err).Str("intent", intent).Str("valve", valveName).Msg("Intent failed")

	b.enqueueJSON(b.base+"/error", false, ErrorReport{
		Intent: intent,
		Valve:  valveName,
		Error:  err.Error(),
		At:     time.Now(),
	})

	if b.notifier == nil {
		return
	}
	title := "Sprinkler command failed"
	if valveName != "" {
		title = fmt.Sprintf("%s: %s failed", valveName, intent)
	}
	message := err.Error()
	// Bad payloads are reported from the MQTT client's goroutine.
	b.sends.Add(1)
	go func() {
		defer b.sends.Done()
		if nerr := b.notifier.Send(title, message); nerr != nil {
			log.Warn().Err(nerr).Msg("Failed to send failure notification")
		}
	}()
}

func (b *Bridge) enqueueJSON(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to encode payload")
		return
	}
	b.enqueue(topic, retained, payload)
}

func (b *Bridge) enqueue(topic string, retained bool, payload []byte) {
	b.mu.Lock()
	replaced := false
	if retained {
		for i := range b.pending {
			if b.pending[i].Topic == topic && b.pending[i].Retained {
				b.pending[i].Payload = payload
				replaced = true
				break
			}
		}
	}
	if !replaced {
		b.pending = append(b.pending, Message{Topic: topic, Retained: retained, Payload: payload})
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, m := range batch {
		if err := b.pub.Publish(m.Topic, m.Retained, m.Payload); err != nil {
			log.Warn().Err(err).Str("topic", m.Topic).Msg("Failed to publish")
		}
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q", s)
}
