package status

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/screencap/internal/errors"
)

// Type identifies the status transition an event reports.
type Type string

const (
	TypeRecording  Type = "recording"
	TypeProcessing Type = "processing"
	TypeSaved      Type = "saved"
	TypeError      Type = "error"
)

// Event is one message on the status channel.
type Event struct {
	Type      Type        `json:"type"`
	Message   string      `json:"message"`
	Kind      errors.Kind `json:"kind,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Filename  string      `json:"filename,omitempty"`
	Location  string      `json:"location,omitempty"`
	Time      time.Time   `json:"time"`
}

func Recording(sessionID string) Event {
	return Event{Type: TypeRecording, Message: "Recording…", SessionID: sessionID}
}

func Processing(sessionID string) Event {
	return Event{Type: TypeProcessing, Message: "Processing…", SessionID: sessionID}
}

func Saved(sessionID, filename, location string) Event {
	return Event{
		Type:      TypeSaved,
		Message:   "Saved: " + filename,
		SessionID: sessionID,
		Filename:  filename,
		Location:  location,
	}
}

func Failed(sessionID string, err error) Event {
	return Event{
		Type:      TypeError,
		Message:   fmt.Sprintf("Error: %v", err),
		Kind:      errors.KindOf(err),
		SessionID: sessionID,
	}
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Notifier fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Notifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	last   *Event
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger: logger.With("component", "status"),
		subs:   make(map[int]chan Event),
	}
}

// Publish delivers e to every subscriber that has room for it.
func (n *Notifier) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	if e.Type == TypeError {
		n.logger.Warn(e.Message, "kind", e.Kind, "session", e.SessionID)
	} else {
		n.logger.Info(e.Message, "session", e.SessionID)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.last = &e
	for id, ch := range n.subs {
		select {
		case ch <- e:
		default:
			n.logger.Debug("status subscriber lagging, event dropped", "subscriber", id, "type", e.Type)
		}
	}
}

// Subscribe returns a channel of future events and a cancel function that
// closes it. buffer <= 0 uses DefaultBuffer.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Last returns the most recent event, if any.
func (n *Notifier) Last() (Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last == nil {
		return Event{}, false
	}
	return *n.last, true
}

func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
