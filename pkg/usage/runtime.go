package usage

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nodeplane/xpd/pkg/events"
)

const (
	slotDuration = 30 * time.Minute
	slotCount    = 7 * 24 * 2 // 7 days of 30-minute slots
	eventCap     = 2000
	eventWindow  = 7 * 24 * time.Hour
)

// Component names a locally-monitored process.
type Component string

const (
	ComponentController Component = "controller"
	ComponentProxy      Component = "proxy"
	ComponentTunnel     Component = "tunnel"
)

// HealthSlot aggregates probe results within one 30-minute window.
type HealthSlot struct {
	Start        time.Time `json:"start"`
	HealthyCount int       `json:"healthy_count"`
	TotalCount   int       `json:"total_count"`
}

// Event is one entry in the bounded runtime event ring (state transitions,
// restarts, reconciler kicks — anything worth showing an operator without
// keeping a full unbounded log).
type Event struct {
	Time      time.Time `json:"time"`
	Component Component `json:"component"`
	Message   string    `json:"message"`
}

// RuntimeDocument is the on-disk shape of service_runtime.json.
type RuntimeDocument struct {
	SchemaVersion int                        `json:"schema_version"`
	Slots         map[Component][]HealthSlot `json:"slots"`
	Events        []Event                    `json:"events"`
}

// RuntimeStore guards service_runtime.json.
type RuntimeStore struct {
	path   string
	mu     sync.Mutex
	doc    *RuntimeDocument
	broker *events.Broker
}

// SetBroker attaches a broker that every recorded event is also published
// to, so a live SSE subscriber sees transitions as they happen instead of
// waiting on the next poll of Snapshot. Optional: a nil broker (the zero
// value) leaves the store logging to service_runtime.json only.
func (s *RuntimeStore) SetBroker(b *events.Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker = b
}

// OpenRuntimeStore loads service_runtime.json from dataDir.
func OpenRuntimeStore(dataDir string) (*RuntimeStore, error) {
	path := filepath.Join(dataDir, "service_runtime.json")
	doc := &RuntimeDocument{SchemaVersion: SchemaVersion, Slots: make(map[Component][]HealthSlot)}
	found, err := readJSON(path, doc)
	if err != nil {
		return nil, err
	}
	if found && doc.SchemaVersion != SchemaVersion {
		return nil, &ErrSchemaMismatch{Path: path, Wanted: SchemaVersion, Found: doc.SchemaVersion}
	}
	if doc.Slots == nil {
		doc.Slots = make(map[Component][]HealthSlot)
	}
	return &RuntimeStore{path: path, doc: doc}, nil
}

// RecordProbe folds one health probe result into the current 30-minute
// slot for component, starting a new slot (and evicting the oldest beyond
// slotCount) when the window has rolled over, then appends an Event if the
// probe crossed a healthy/unhealthy transition.
func (s *RuntimeStore) RecordProbe(component Component, healthy bool, transitioned bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	slots := s.doc.Slots[component]
	slotStart := now.Truncate(slotDuration)

	if len(slots) == 0 || !slots[len(slots)-1].Start.Equal(slotStart) {
		slots = append(slots, HealthSlot{Start: slotStart})
		if len(slots) > slotCount {
			slots = slots[len(slots)-slotCount:]
		}
	}
	last := &slots[len(slots)-1]
	last.TotalCount++
	if healthy {
		last.HealthyCount++
	}
	s.doc.Slots[component] = slots

	if transitioned {
		typ := events.EventHealthDegraded
		if healthy {
			typ = events.EventHealthRecovered
		}
		s.appendEventLocked(Event{Time: now, Component: component, Message: message}, typ)
	}

	return s.persistLocked()
}

// AppendEvent records a standalone event (e.g. a restart attempt) without
// folding a probe into a slot.
func (s *RuntimeStore) AppendEvent(component Component, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(Event{Time: time.Now().UTC(), Component: component, Message: message}, events.EventHealthDegraded)
	return s.persistLocked()
}

func (s *RuntimeStore) appendEventLocked(e Event, typ events.EventType) {
	docEvents := append(s.doc.Events, e)
	cutoff := time.Now().UTC().Add(-eventWindow)
	start := 0
	for start < len(docEvents) && docEvents[start].Time.Before(cutoff) {
		start++
	}
	docEvents = docEvents[start:]
	if len(docEvents) > eventCap {
		docEvents = docEvents[len(docEvents)-eventCap:]
	}
	s.doc.Events = docEvents

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:      typ,
			Timestamp: e.Time,
			Message:   e.Message,
			Metadata:  map[string]string{"component": string(e.Component)},
		})
	}
}

func (s *RuntimeStore) persistLocked() error {
	return writeJSONAtomic(s.path, s.doc)
}

// Snapshot returns a copy of the full runtime document, for the
// GET /admin/_internal/nodes/runtime/local endpoint and its SSE sibling.
func (s *RuntimeStore) Snapshot() RuntimeDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := RuntimeDocument{
		SchemaVersion: s.doc.SchemaVersion,
		Slots:         make(map[Component][]HealthSlot, len(s.doc.Slots)),
		Events:        append([]Event(nil), s.doc.Events...),
	}
	for c, slots := range s.doc.Slots {
		cp.Slots[c] = append([]HealthSlot(nil), slots...)
	}
	return cp
}
