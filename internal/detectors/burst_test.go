package detectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

func clusteredEvents(seed uint64) []BurstEvent {
	rng := newRand(seed)
	events := make([]BurstEvent, 0, 45)
	clusterStart := t0 + 10*int64(time.Hour/time.Millisecond)
	for i := 0; i < 25; i++ {
		events = append(events, BurstEvent{Timestamp: clusterStart + int64(i)*30000, Value: 3 + rng.Float64()})
	}
	for i := 0; i < 20; i++ {
		events = append(events, BurstEvent{Timestamp: t0 + rng.Int64N(dayMs), Value: 1 + rng.Float64()})
	}
	return events
}

func TestBurstScenario(t *testing.T) {
	res := Burst(clusteredEvents(5), BurstOptions{WindowMinutes: 15, MinEvents: 3})
	require.NotNil(t, res)
	assert.Greater(t, res.Confidence, 0.6)
	assert.GreaterOrEqual(t, res.Analysis["count"], 25.0)
	assert.Less(t, res.Analysis["pValue"], 0.05)
}

func TestBurstMinEventsOrdering(t *testing.T) {
	events := clusteredEvents(6)
	prev := 1.0
	for _, minEvents := range []int{3, 5, 8, 20, 30} {
		conf := confidenceOf(Burst(events, BurstOptions{WindowMinutes: 15, MinEvents: minEvents}))
		assert.LessOrEqual(t, conf, prev, "minEvents %d", minEvents)
		prev = conf
	}
	assert.GreaterOrEqual(t,
		confidenceOf(Burst(events, BurstOptions{WindowMinutes: 15, MinEvents: 3})),
		confidenceOf(Burst(events, BurstOptions{WindowMinutes: 15, MinEvents: 8})))
}

func TestBurstBelowMinEvents(t *testing.T) {
	events := []BurstEvent{{Timestamp: t0, Value: 2}, {Timestamp: t0 + 1000, Value: 2}}
	assert.Nil(t, Burst(events, BurstOptions{WindowMinutes: 15, MinEvents: 3}))
	// MinEvents below 3 is raised to 3
	assert.Nil(t, Burst(events, BurstOptions{WindowMinutes: 15, MinEvents: 1}))
}

func TestBurstBackgroundStaysQuiet(t *testing.T) {
	rng := newRand(23)
	const trials = 200
	fired := 0
	for i := 0; i < trials; i++ {
		events := make([]BurstEvent, 20)
		for j := range events {
			events[j] = BurstEvent{Timestamp: t0 + rng.Int64N(dayMs), Value: 2}
		}
		if Burst(events, BurstOptions{WindowMinutes: 15, MinEvents: 3}) != nil {
			fired++
		}
	}
	assert.LessOrEqual(t, float64(fired)/trials, 0.15)
}

func TestBurstPairedCorrelation(t *testing.T) {
	events := clusteredEvents(7)
	for i := range events[:25] {
		p := events[i].Value * 2
		events[i].PairedValue = &p
	}
	res := Burst(events, BurstOptions{WindowMinutes: 15, MinEvents: 3})
	require.NotNil(t, res)
	assert.InDelta(t, 1.0, res.Analysis["correlation"], 1e-9)
}

func TestBurstPerformance(t *testing.T) {
	rng := newRand(1)
	events := make([]BurstEvent, 10000)
	for i := range events {
		events[i] = BurstEvent{Timestamp: t0 + rng.Int64N(30*dayMs), Value: rng.Float64() * 5}
	}
	start := time.Now()
	Burst(events, DefaultBurstOptions())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
