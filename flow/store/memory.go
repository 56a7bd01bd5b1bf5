package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/latticeflow/abiflow/flow/emit"
)

// MemStore is an in-memory Store implementation. Designed for testing,
// single-process flows, and short-lived runs where durability across
// process restarts isn't required; data is lost when the process
// exits.
type MemStore struct {
	mu             sync.RWMutex
	events         map[string][]EventRecord  // runID -> history
	snapshots      map[string]SnapshotRecord // runID -> most recent snapshot
	idempotencyMap map[string]bool
	pendingEvents  []emit.Event
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:         make(map[string][]EventRecord),
		snapshots:      make(map[string]SnapshotRecord),
		idempotencyMap: make(map[string]bool),
	}
}

// SaveEvent appends rec to runID's history, assigning the next Seq.
func (m *MemStore) SaveEvent(_ context.Context, runID string, rec EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.RunID = runID
	rec.Seq = len(m.events[runID]) + 1
	m.events[runID] = append(m.events[runID], rec)
	return nil
}

// History returns every event recorded for runID, in Seq order.
func (m *MemStore) History(_ context.Context, runID string) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.events[runID]
	if !ok {
		return nil, nil
	}
	out := make([]EventRecord, len(records))
	copy(out, records)
	return out, nil
}

// SaveSnapshot archives rec, refusing a duplicate commit of an already
// used IdempotencyKey.
func (m *MemStore) SaveSnapshot(_ context.Context, rec SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.IdempotencyKey != "" {
		if m.idempotencyMap[rec.IdempotencyKey] {
			return fmt.Errorf("duplicate snapshot commit: idempotency key %q already used", rec.IdempotencyKey)
		}
		m.idempotencyMap[rec.IdempotencyKey] = true
	}
	m.snapshots[rec.RunID] = rec
	return nil
}

// LoadSnapshot retrieves the most recently archived snapshot for runID.
func (m *MemStore) LoadSnapshot(_ context.Context, runID string) (SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.snapshots[runID]
	if !ok {
		return SnapshotRecord{}, ErrNotFound
	}
	return rec, nil
}

// PutPendingEvent enqueues ev onto the in-memory outbox.
func (m *MemStore) PutPendingEvent(_ context.Context, ev emit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingEvents = append(m.pendingEvents, ev)
	return nil
}

// PendingEvents returns up to limit undelivered outbox entries, oldest
// first. limit <= 0 means unbounded.
func (m *MemStore) PendingEvents(_ context.Context, limit int) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := len(m.pendingEvents)
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]emit.Event, count)
	copy(out, m.pendingEvents[:count])
	return out, nil
}

// MarkEventsEmitted removes the named outbox entries by their
// Meta["event_id"].
func (m *MemStore) MarkEventsEmitted(_ context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	remove := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		remove[id] = true
	}
	filtered := make([]emit.Event, 0, len(m.pendingEvents))
	for _, ev := range m.pendingEvents {
		id, _ := ev.Meta["event_id"].(string)
		if !remove[id] {
			filtered = append(filtered, ev)
		}
	}
	m.pendingEvents = filtered
	return nil
}

// serializableMemStore is the JSON wire form of MemStore, used by
// MarshalJSON/UnmarshalJSON for debugging dumps independent of the
// SQLite backend.
type serializableMemStore struct {
	Events         map[string][]EventRecord  `json:"events"`
	Snapshots      map[string]SnapshotRecord `json:"snapshots"`
	IdempotencyMap map[string]bool           `json:"idempotency_map"`
	PendingEvents  []emit.Event              `json:"pending_events"`
}

// MarshalJSON serializes the store's contents.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(serializableMemStore{
		Events:         m.events,
		Snapshots:      m.snapshots,
		IdempotencyMap: m.idempotencyMap,
		PendingEvents:  m.pendingEvents,
	})
}

// UnmarshalJSON replaces the store's contents with the decoded data.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var s serializableMemStore
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = s.Events
	m.snapshots = s.Snapshots
	m.idempotencyMap = s.IdempotencyMap
	m.pendingEvents = s.PendingEvents
	if m.events == nil {
		m.events = make(map[string][]EventRecord)
	}
	if m.snapshots == nil {
		m.snapshots = make(map[string]SnapshotRecord)
	}
	if m.idempotencyMap == nil {
		m.idempotencyMap = make(map[string]bool)
	}
	return nil
}
