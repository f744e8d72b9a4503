package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimers collects AfterFunc callbacks so tests fire them explicitly.
type manualTimers struct {
	fns []func()
}

func (m *manualTimers) afterFunc(_ time.Duration, fn func()) *time.Timer {
	m.fns = append(m.fns, fn)
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fire() {
	for _, fn := range m.fns {
		fn()
	}
	m.fns = nil
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBusFanOut(t *testing.T) {
	b := NewBus(10, time.Hour, time.Second)
	b.Open("s1")

	ch1, cancel1, ok := b.Subscribe("s1")
	require.True(t, ok)
	defer cancel1()
	ch2, cancel2, ok := b.Subscribe("s1")
	require.True(t, ok)
	defer cancel2()

	b.EmitProgress("s1", "crawl", 40, "crawling docs/")
	b.EmitActivity("s1", "fetched README", nil)

	for _, ch := range []<-chan Event{ch1, ch2} {
		events := drain(ch)
		require.Len(t, events, 2)
		assert.Equal(t, EventProgress, events[0].Type)
		assert.Equal(t, 40, events[0].Progress)
		assert.Equal(t, EventActivity, events[1].Type)
	}
}

func TestBusReplaysTail(t *testing.T) {
	b := NewBus(10, time.Hour, time.Second)
	b.Open("s1")

	for i := 0; i < replayTail+10; i++ {
		b.EmitProgress("s1", "crawl", i, "")
	}

	ch, cancel, ok := b.Subscribe("s1")
	require.True(t, ok)
	defer cancel()

	events := drain(ch)
	require.Len(t, events, replayTail)
	// Only the newest events survive in the tail.
	assert.Equal(t, 10, events[0].Progress)
	assert.Equal(t, replayTail+9, events[len(events)-1].Progress)
}

func TestBusUnknownSession(t *testing.T) {
	b := NewBus(10, time.Hour, time.Second)
	_, _, ok := b.Subscribe("nope")
	assert.False(t, ok)

	// Publishing to an unregistered session is a no-op.
	b.EmitProgress("nope", "crawl", 10, "")
}

func TestBusSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBus(10, time.Hour, time.Second)
	b.Open("s1")

	ch, cancel, ok := b.Subscribe("s1")
	require.True(t, ok)
	defer cancel()

	for i := 0; i < subscriberBuffer+20; i++ {
		b.EmitActivity("s1", "tick", nil)
	}

	// The channel holds at most its buffer; the publisher never blocked.
	events := drain(ch)
	assert.Len(t, events, subscriberBuffer)
}

func TestBusEndSessionCleanup(t *testing.T) {
	timers := &manualTimers{}
	b := NewBus(10, time.Hour, time.Second)
	b.afterFunc = timers.afterFunc
	b.Open("s1")

	ch, cancel, ok := b.Subscribe("s1")
	require.True(t, ok)
	defer cancel()

	b.EndSession("s1", map[string]any{"quality": 82})

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventEnded, events[0].Type)

	// During the grace window the session still exists but rejects new
	// events.
	b.EmitProgress("s1", "crawl", 99, "")
	assert.Empty(t, drain(ch))
	_, cancelLate, ok := b.Subscribe("s1")
	require.True(t, ok)
	cancelLate()

	// After the grace delay the session is gone entirely.
	timers.fire()
	_, _, ok = b.Subscribe("s1")
	assert.False(t, ok)

	_, open := <-ch
	assert.False(t, open, "subscriber channel closed on cleanup")
}

func TestBusCapacityEviction(t *testing.T) {
	b := NewBus(2, time.Hour, time.Second)
	b.Open("s1")
	b.Open("s2")
	b.Open("s3")

	_, _, ok := b.Subscribe("s1")
	assert.False(t, ok, "oldest session evicted at capacity")
	_, cancel, ok := b.Subscribe("s3")
	require.True(t, ok)
	cancel()
}
