package flow

import "fmt"

// Status is the lifecycle stage of any schedulable Node (Task or
// Workflow). Values are totally ordered; callers may compare statuses
// with the standard relational operators.
type Status int

const (
	// SInit means the node was constructed but is not yet buildable,
	// typically because an upstream dependency has not produced output.
	SInit Status = iota
	// SLocked means the node is held pending an external condition.
	SLocked
	// SReady means every dependency is satisfied and the node may be
	// submitted.
	SReady
	// SSub means the node was submitted to the TaskManager; CPUs are
	// reserved.
	SSub
	// SRun means the node is actively executing; CPUs are in use.
	SRun
	// SDone means the process exited but the outcome is not yet
	// classified.
	SDone
	// SError is a terminal failure.
	SError
	// SUnconverged is a terminal-but-recoverable non-convergence.
	SUnconverged
	// SOk means the node succeeded and its outputs are visible.
	SOk
)

var statusNames = [...]string{
	SInit:        "S_INIT",
	SLocked:      "S_LOCKED",
	SReady:       "S_READY",
	SSub:         "S_SUB",
	SRun:         "S_RUN",
	SDone:        "S_DONE",
	SError:       "S_ERROR",
	SUnconverged: "S_UNCONVERGED",
	SOk:          "S_OK",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < SInit || s > SOk {
		return fmt.Sprintf("S_UNKNOWN(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether s is a status a node never transitions out of
// on its own (S_OK, S_ERROR, S_UNCONVERGED). S_DONE is not terminal: it
// is an intermediate state awaiting classification by check_status.
func (s Status) Terminal() bool {
	return s == SOk || s == SError || s == SUnconverged
}

// terminalStatuses lists the statuses Terminal reports true for.
// nodeBase.SetStatus consults Terminal, not this map.
var terminalStatuses = map[Status]bool{
	SOk:          true,
	SError:       true,
	SUnconverged: true,
}

// minStatus returns the minimum (least-progressed) of two statuses. An
// empty aggregate reports S_INIT by convention (see Workflow.Status).
func minStatus(a, b Status) Status {
	if a < b {
		return a
	}
	return b
}
