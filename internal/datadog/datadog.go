package datadog

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/controllers/irrigationcontroller"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

var programModes = []model.ProgramStatus{
	model.ProgramOff,
	model.ProgramScheduled,
	model.ProgramManual,
	model.ProgramOverride,
}

type sink interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Close() error
}

// Client reports controller state to a DogStatsD agent. It is an
// irrigation controller listener.
type Client struct {
	irrigationcontroller.NopListener

	dogstatsd sink
}

func New(addr, namespace string, tags []string) (*Client, error) {
	dogstatsd, err := statsd.New(addr, statsd.WithNamespace(namespace), statsd.WithTags(tags))
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")

	return &Client{dogstatsd: dogstatsd}, nil
}

func (c *Client) Gauge(name string, value float64, tags ...string) {
	if err := c.dogstatsd.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

func (c *Client) Count(name string, value int64, tags ...string) {
	if err := c.dogstatsd.Count(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
	}
}

func (c *Client) ValveChanged(ch valve.Change) {
	tag := "valve:" + model.Slug(ch.Snapshot.Name)
	c.Gauge("valve.active", boolValue(ch.Snapshot.Active), tag)
	c.Gauge("valve.in_use", boolValue(ch.Snapshot.InUse), tag)
	c.Gauge("valve.remaining_seconds", float64(ch.Snapshot.RemainingDuration), tag)
	if ch.Event != "" {
		c.Count("valve.events", 1, tag, "event:"+string(ch.Event), "source:"+string(ch.Source))
	}
}

func (c *Client) ProgramModeChanged(mode model.ProgramStatus) {
	for _, m := range programModes {
		c.Gauge("program_mode", boolValue(m == mode), "mode:"+string(m))
	}
}

func (c *Client) RainDelayChanged(on bool) {
	c.Gauge("rain_delay", boolValue(on))
}

func (c *Client) PollCompleted(_ *model.SystemStatus, err error) {
	if err != nil {
		c.Count("poll.errors", 1)
		return
	}
	c.Count("poll.success", 1)
}

func (c *Client) Close() error {
	return c.dogstatsd.Close()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
