package datadog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
	"github.com/thatsimonsguy/sprinkler-bridge/internal/valve"
)

type metric struct {
	name  string
	value float64
	tags  []string
}

type fakeSink struct {
	gauges []metric
	counts []metric
	err    error
}

func (f *fakeSink) Gauge(name string, value float64, tags []string, rate float64) error {
	f.gauges = append(f.gauges, metric{name, value, tags})
	return f.err
}

func (f *fakeSink) Count(name string, value int64, tags []string, rate float64) error {
	f.counts = append(f.counts, metric{name, float64(value), tags})
	return f.err
}

func (f *fakeSink) Close() error { return nil }

func TestValveChanged(t *testing.T) {
	sink := &fakeSink{}
	c := &Client{dogstatsd: sink}

	c.ValveChanged(valve.Change{
		Snapshot: model.ValveSnapshot{Name: "Front yard", Active: true, InUse: true, RemainingDuration: 120},
		Event:    model.EventActivated,
		Source:   model.SourceCommand,
	})

	assert.Equal(t, []metric{
		{"valve.active", 1, []string{"valve:front_yard"}},
		{"valve.in_use", 1, []string{"valve:front_yard"}},
		{"valve.remaining_seconds", 120, []string{"valve:front_yard"}},
	}, sink.gauges)
	require.Len(t, sink.counts, 1)
	assert.Equal(t, []string{"valve:front_yard", "event:activated", "source:command"}, sink.counts[0].tags)
}

func TestProgramModeChanged(t *testing.T) {
	sink := &fakeSink{}
	c := &Client{dogstatsd: sink}

	c.ProgramModeChanged(model.ProgramOverride)

	require.Len(t, sink.gauges, 4)
	for _, g := range sink.gauges {
		want := 0.0
		if g.tags[0] == "mode:override" {
			want = 1
		}
		assert.Equal(t, want, g.value, g.tags[0])
	}
}

func TestPollAndRainDelay(t *testing.T) {
	sink := &fakeSink{err: errors.New("agent unreachable")}
	c := &Client{dogstatsd: sink}

	c.RainDelayChanged(true)
	c.PollCompleted(nil, errors.New("timeout"))
	c.PollCompleted(&model.SystemStatus{}, nil)

	assert.Equal(t, []metric{{"rain_delay", 1, nil}}, sink.gauges)
	assert.Equal(t, "poll.errors", sink.counts[0].name)
	assert.Equal(t, "poll.success", sink.counts[1].name)
}
