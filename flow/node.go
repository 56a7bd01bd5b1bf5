package flow

import (
	"sync"
	"sync/atomic"
	"time"
)

// nextNodeID hands out flow-wide unique, nonzero, monotonically
// increasing node identifiers. A single counter shared by every Flow in
// the process satisfies invariant 1 of spec §8 even when more than one
// Flow is alive at once.
var nextNodeID int64

func allocNodeID() int {
	return int(atomic.AddInt64(&nextNodeID, 1))
}

// HistoryEvent is one append-only entry in a Node's event log.
type HistoryEvent struct {
	Time   time.Time `json:"time"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// Node is the common contract shared by Task and Workflow: a unique
// identity, a position in the status lifecycle, an append-only history,
// a one-shot finalization latch, and an output directory that
// downstream Dependency edges resolve tags against.
type Node interface {
	NodeID() int
	CurrentStatus() Status
	SetStatus(s Status) bool
	AppendHistory(event, detail string)
	History() []HistoryEvent
	IsFinalized() bool
	latch()
	OutDir() string
}

// nodeBase implements the bookkeeping shared by Task and Workflow.
// Embed it by pointer so both node kinds share one identity and one
// status, never a copy.
type nodeBase struct {
	mu        sync.Mutex
	id        int
	status    Status
	history   []HistoryEvent
	finalized bool
}

func newNodeBase() *nodeBase {
	return &nodeBase{id: allocNodeID(), status: SInit}
}

// restoreNodeBase rebuilds a nodeBase from persisted fields (flow.Load).
// It also bumps the package-wide id counter so ids handed out after a
// load never collide with a restored one.
func restoreNodeBase(id int, status Status, history []HistoryEvent, finalized bool) *nodeBase {
	bumpNodeID(id)
	return &nodeBase{id: id, status: status, history: history, finalized: finalized}
}

// bumpNodeID advances the shared counter past id if it hasn't already.
func bumpNodeID(id int) {
	for {
		cur := atomic.LoadInt64(&nextNodeID)
		if int64(id) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&nextNodeID, cur, int64(id)) {
			return
		}
	}
}

func (n *nodeBase) NodeID() int { return n.id }

func (n *nodeBase) CurrentStatus() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SetStatus transitions the node to s. Per spec §4.1, S_OK and S_ERROR
// (and, in this implementation, S_UNCONVERGED) are terminal and are
// never downgraded: a SetStatus call that would move a terminal node
// anywhere else is silently ignored rather than erroring, matching the
// source's "never downgrade" wording rather than treating it as a
// programmer error.
func (n *nodeBase) SetStatus(s Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.Terminal() || n.status == s {
		return false
	}
	n.status = s
	return true
}

func (n *nodeBase) AppendHistory(event, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, HistoryEvent{Time: time.Now(), Event: event, Detail: detail})
}

func (n *nodeBase) History() []HistoryEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]HistoryEvent, len(n.history))
	copy(out, n.history)
	return out
}

func (n *nodeBase) IsFinalized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.finalized
}

// latch sets the finalized flag. It is unexported: only Workflow.onOK
// may finalize a node, and exactly once (spec §4.2, §8 invariant 4).
func (n *nodeBase) latch() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finalized = true
}
