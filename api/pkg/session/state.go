package session

import (
	"sync"
	"time"

	"github.com/xyctruth/whatsApp-fleet/api/pkg/system"
	"github.com/xyctruth/whatsApp-fleet/api/pkg/types"
)

const eventLogSize = 100

// Snapshot is the controller's externally visible state at one instant.
// At most one of QRCode/PairingCode is non-empty; both are cleared on
// reaching logged_in and on every restart.
type Snapshot struct {
	Status      types.SessionStatus
	Method      types.LoginMethod
	QRCode      string
	PairingCode string
	LastError   string
	Proxy       *types.ProxyConfig
}

// eventLog is a bounded ring of the most recent session events, with
// fan-out to live subscribers (the worker's events websocket).
type eventLog struct {
	mu      sync.Mutex
	entries []types.SessionEvent
	next    int
	full    bool
	subs    map[int]chan types.SessionEvent
	subSeq  int
}

func newEventLog() *eventLog {
	return &eventLog{
		entries: make([]types.SessionEvent, eventLogSize),
		subs:    make(map[int]chan types.SessionEvent),
	}
}

func (l *eventLog) add(eventType string, status types.SessionStatus, detail string) {
	event := types.SessionEvent{
		ID:        system.GenerateEventID(),
		Type:      eventType,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now(),
	}

	l.mu.Lock()
	l.entries[l.next] = event
	l.next = (l.next + 1) % eventLogSize
	if l.next == 0 {
		l.full = true
	}
	for _, sub := range l.subs {
		select {
		case sub <- event:
		default: // slow subscriber, drop rather than block the engine
		}
	}
	l.mu.Unlock()
}

// recent returns events oldest-first.
func (l *eventLog) recent() []types.SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.SessionEvent
	if l.full {
		out = append(out, l.entries[l.next:]...)
	}
	out = append(out, l.entries[:l.next]...)
	return out
}

func (l *eventLog) subscribe() (<-chan types.SessionEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.subSeq
	l.subSeq++
	ch := make(chan types.SessionEvent, 16)
	l.subs[id] = ch

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
}
