// Package store provides auxiliary persistence for a flow's execution
// history and snapshot blobs, independent of the primary
// temp-file-plus-rename snapshot flow.Dump writes directly to the
// workdir. A Store is optional: it exists for callers who want a
// queryable audit trail of status transitions and a versioned snapshot
// archive (e.g. one row per run in a shared database), rather than a
// single canonical file per flow.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/latticeflow/abiflow/flow/emit"
)

// ErrNotFound is returned when a requested run ID or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// EventRecord is one append-only entry in a run's history: a node
// reaching a new status, a callback firing, or a driver-level warning.
// It mirrors flow.HistoryEvent but is decoupled from the flow package
// so store has no import-cycle dependency on it.
type EventRecord struct {
	// RunID identifies the flow execution this record belongs to.
	RunID string `json:"run_id"`

	// Seq is the monotonically increasing sequence number within RunID,
	// assigned by the Store on SaveEvent (starts at 1).
	Seq int `json:"seq"`

	// NodeID is the flow-wide node id the event concerns, or 0 for a
	// flow-level event not tied to a single task or workflow.
	NodeID int `json:"node_id"`

	// Status is the new status string (flow.Status.String()), or empty
	// for a non-status event such as a callback firing.
	Status string `json:"status,omitempty"`

	// Event names the kind of record, matching flow.HistoryEvent.Event
	// conventions ("submitted", "finalized", "callback_fired", ...).
	Event string `json:"event"`

	// Detail carries free-form context, matching flow.HistoryEvent.Detail.
	Detail string `json:"detail,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// SnapshotRecord is a versioned copy of a flow's persisted snapshot
// blob (the JSON flow.Dump produces), stored independently of the
// flow's own workdir file.
type SnapshotRecord struct {
	RunID     string    `json:"run_id"`
	StepID    int       `json:"step_id"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey prevents a duplicate snapshot commit from
	// overwriting a newer one with stale data, the same role it plays
	// in the teacher's checkpoint commit path.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Store provides auxiliary persistence for flow execution history and
// snapshot archiving. Implementations: MemStore (testing), SQLiteStore
// (file-backed, via modernc.org/sqlite).
type Store interface {
	// SaveEvent appends rec to RunID's history. Seq is assigned by the
	// store and does not need to be set by the caller.
	SaveEvent(ctx context.Context, runID string, rec EventRecord) error

	// History returns every event recorded for runID, in Seq order.
	History(ctx context.Context, runID string) ([]EventRecord, error)

	// SaveSnapshot archives a snapshot blob for runID at stepID. If
	// IdempotencyKey is set and has already been committed, SaveSnapshot
	// returns an error rather than overwriting the existing record.
	SaveSnapshot(ctx context.Context, rec SnapshotRecord) error

	// LoadSnapshot retrieves the most recently archived snapshot for
	// runID. Returns ErrNotFound if none exists.
	LoadSnapshot(ctx context.Context, runID string) (SnapshotRecord, error)

	// PendingEvents retrieves emit.Events from the transactional outbox
	// that have not yet been marked emitted, for batched delivery to an
	// external sink (spec's emit package is in-process only; this lets a
	// Store-backed deployment also deliver at-least-once out-of-process).
	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)

	// MarkEventsEmitted marks the given outbox entries delivered. Event
	// IDs are read from each emit.Event's Meta["event_id"].
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error

	// PutPendingEvent enqueues ev onto the transactional outbox.
	PutPendingEvent(ctx context.Context, ev emit.Event) error
}
