package progress

import (
	"sync"
	"time"

	"github.com/phuslu/log"

	"docforge/internal/telemetry"
)

const (
	// replayTail is how many recent events a late subscriber receives.
	replayTail = 32
	// subscriberBuffer is the per-subscriber channel depth; slow consumers
	// past this lose events rather than block the publisher.
	subscriberBuffer = 64
)

// Event is one unit of live feedback for a session.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Stage     string         `json:"stage,omitempty"`
	Progress  int            `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	At        time.Time      `json:"at"`
}

// Event types carried on the bus.
const (
	EventProgress = "progress"
	EventActivity = "activity"
	EventEnded    = "session_ended"
)

type session struct {
	subs    map[int]chan Event
	tail    []Event
	ended   bool
	touched time.Time
}

// Bus fans out session events to subscribers. Sessions live in a bounded
// TTL cache; publishing never blocks, slow subscribers drop events.
type Bus struct {
	mu          sync.Mutex
	sessions    map[string]*session
	maxSessions int
	ttl         time.Duration
	grace       time.Duration
	nextSub     int
	now         func() time.Time
	afterFunc   func(time.Duration, func()) *time.Timer
}

// NewBus builds a bus bounded to maxSessions entries of ttl each. After
// EndSession the session lingers for grace so in-flight subscribers can
// drain the terminal event.
func NewBus(maxSessions int, ttl, grace time.Duration) *Bus {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Bus{
		sessions:    make(map[string]*session),
		maxSessions: maxSessions,
		ttl:         ttl,
		grace:       grace,
		now:         time.Now,
		afterFunc:   time.AfterFunc,
	}
}

// Subscribe attaches a listener to a session, replaying the recent tail
// first. The second return is false when the session is unknown or already
// cleaned up. Call the returned cancel func to detach.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}
	s.touched = b.now()

	ch := make(chan Event, subscriberBuffer)
	for _, ev := range s.tail {
		ch <- ev
	}

	id := b.nextSub
	b.nextSub++
	s.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.sessions[sessionID]; ok {
			if sub, ok := cur.subs[id]; ok {
				delete(cur.subs, id)
				close(sub)
			}
		}
	}
	return ch, cancel, true
}

// EmitProgress publishes a stage progress event.
func (b *Bus) EmitProgress(sessionID, stage string, pct int, message string) {
	b.publish(Event{
		Type:      EventProgress,
		SessionID: sessionID,
		Stage:     stage,
		Progress:  pct,
		Message:   message,
	})
}

// EmitActivity publishes a free-form activity line.
func (b *Bus) EmitActivity(sessionID, message string, details map[string]any) {
	b.publish(Event{
		Type:      EventActivity,
		SessionID: sessionID,
		Message:   message,
		Details:   details,
	})
}

// EndSession publishes the terminal event and schedules cleanup after the
// grace delay. Further publishes for the session are dropped.
func (b *Bus) EndSession(sessionID string, details map[string]any) {
	b.publish(Event{
		Type:      EventEnded,
		SessionID: sessionID,
		Details:   details,
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	s.ended = true
	b.afterFunc(b.grace, func() { b.remove(sessionID) })
}

// Open registers a session so events have somewhere to land before the
// first subscriber shows up.
func (b *Bus) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()
	if _, ok := b.sessions[sessionID]; !ok {
		b.sessions[sessionID] = &session{
			subs:    make(map[int]chan Event),
			touched: b.now(),
		}
	}
}

func (b *Bus) publish(ev Event) {
	ev.At = time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[ev.SessionID]
	if !ok || (s.ended && ev.Type != EventEnded) {
		return
	}
	s.touched = b.now()

	s.tail = append(s.tail, ev)
	if len(s.tail) > replayTail {
		s.tail = s.tail[len(s.tail)-replayTail:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			telemetry.EventsDropped.Inc()
		}
	}
}

func (b *Bus) remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for _, ch := range s.subs {
		close(ch)
	}
	delete(b.sessions, sessionID)
	log.Debug().Str("session_id", sessionID).Msg("session cleaned up")
}

// evictLocked drops expired sessions and, if still over capacity, the
// oldest touched one. Caller holds the lock.
func (b *Bus) evictLocked() {
	cutoff := b.now().Add(-b.ttl)
	for id, s := range b.sessions {
		if s.touched.Before(cutoff) {
			for _, ch := range s.subs {
				close(ch)
			}
			delete(b.sessions, id)
		}
	}
	for len(b.sessions) >= b.maxSessions {
		oldestID := ""
		var oldest time.Time
		for id, s := range b.sessions {
			if oldestID == "" || s.touched.Before(oldest) {
				oldestID, oldest = id, s.touched
			}
		}
		for _, ch := range b.sessions[oldestID].subs {
			close(ch)
		}
		delete(b.sessions, oldestID)
	}
}
