// Package flowlog keeps a bounded in-memory journal of authentication
// flow events and streams it to admin diagnostics clients over
// WebSocket. Events carry flow metadata only, never assertion attribute
// values.
package flowlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Kind categorizes flow events.
type Kind string

const (
	KindLoginStarted     Kind = "login.started"
	KindResponseReceived Kind = "response.received"
	KindReconciled       Kind = "reconciled"
	KindLogoutStarted    Kind = "logout.started"
	KindLogoutFinished   Kind = "logout.finished"
	KindRegistryRefresh  Kind = "registry.refresh"
	KindNotice           Kind = "notice"
	KindFlowError        Kind = "flow.error"
)

// Event is one entry in the flow journal.
type Event struct {
	ID     string            `json:"id"`
	Kind   Kind              `json:"kind"`
	Time   time.Time         `json:"time"`
	IdP    string            `json:"idp,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Recorder is the journal plus its set of live stream clients. The
// journal is a fixed-size ring; old events fall off the back.
type Recorder struct {
	capacity int
	logger   hclog.Logger

	mu      sync.RWMutex
	events  []Event
	clients map[*client]bool
}

// NewRecorder builds a Recorder holding at most capacity events.
func NewRecorder(capacity int, logger hclog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Recorder{
		capacity: capacity,
		logger:   logger.Named("flowlog"),
		clients:  make(map[*client]bool),
	}
}

// Record appends an event and broadcasts it to connected clients.
// Detail values must already be scrubbed of personal data.
func (r *Recorder) Record(kind Kind, idp string, detail map[string]string) {
	e := Event{
		ID:     uuid.New().String(),
		Kind:   kind,
		Time:   time.Now().UTC(),
		IdP:    idp,
		Detail: detail,
	}

	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
	r.mu.Unlock()

	r.broadcast(e)
}

// Events returns a snapshot of the journal, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
