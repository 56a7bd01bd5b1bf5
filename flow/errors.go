package flow

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports invalid construction: rebinding a workflow's
// workdir to a different path, a callback registered with no deps, and
// similar programmer errors caught at graph-build time.
type ConfigError struct {
	msg   string
	cause error
}

func (e *ConfigError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("config error: %s: %v", e.msg, e.cause)
	}
	return "config error: " + e.msg
}

func (e *ConfigError) Unwrap() error { return e.cause }

// NewConfigError builds a ConfigError, attaching a stack trace via
// github.com/pkg/errors so the ambient logger can print one on an
// unexpected construction failure.
func NewConfigError(msg string) error {
	return errors.WithStack(&ConfigError{msg: msg})
}

// DependencyError reports that a referenced upstream output tag is not
// present when queried (Workflow.ReadOutputs, Dependency resolution).
type DependencyError struct {
	Tag    string
	NodeID int
	msg    string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency error: node %d: %s (tag=%q)", e.NodeID, e.msg, e.Tag)
}

// NewDependencyError builds a DependencyError.
func NewDependencyError(nodeID int, tag, msg string) error {
	return errors.WithStack(&DependencyError{NodeID: nodeID, Tag: tag, msg: msg})
}

// TerminalTaskFailure reports that an external task ended in S_ERROR.
// The owning workflow does not finalize; on_all_ok is never invoked.
type TerminalTaskFailure struct {
	TaskID int
	Reason string
}

func (e *TerminalTaskFailure) Error() string {
	return fmt.Sprintf("task %d failed terminally: %s", e.TaskID, e.Reason)
}

// NewTerminalTaskFailure builds a TerminalTaskFailure.
func NewTerminalTaskFailure(taskID int, reason string) error {
	return errors.WithStack(&TerminalTaskFailure{TaskID: taskID, Reason: reason})
}

// NonConvergence reports S_UNCONVERGED: a terminal-but-recoverable
// non-convergence. Treated like TerminalTaskFailure for finalization
// purposes.
type NonConvergence struct {
	TaskID int
	Detail string
}

func (e *NonConvergence) Error() string {
	return fmt.Sprintf("task %d did not converge: %s", e.TaskID, e.Detail)
}

// NewNonConvergence builds a NonConvergence.
func NewNonConvergence(taskID int, detail string) error {
	return errors.WithStack(&NonConvergence{TaskID: taskID, Detail: detail})
}

// PersistenceError reports a snapshot write or load failure. The
// in-memory flow is left untouched on a write failure.
type PersistenceError struct {
	Op    string
	Path  string
	cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s %s: %v", e.Op, e.Path, e.cause)
}

func (e *PersistenceError) Unwrap() error { return e.cause }

// NewPersistenceError builds a PersistenceError.
func NewPersistenceError(op, path string, cause error) error {
	return errors.WithStack(&PersistenceError{Op: op, Path: path, cause: cause})
}

// DriverWarning is a non-fatal condition the driver should log but not
// raise: a possible deadlock in fetch_task_to_run, or non-monotonic
// convergence data from an IterativeWorkflow's ExitIteration hook.
type DriverWarning struct {
	msg string
}

func (e *DriverWarning) Error() string { return "driver warning: " + e.msg }

// NewDriverWarning builds a DriverWarning.
func NewDriverWarning(msg string) error {
	return &DriverWarning{msg: msg}
}

// AllDone is a sentinel error returned by Workflow.FetchTaskToRun when
// every task has reached a terminal state at S_OK. It is not an error
// condition for the driver: it signals that the workflow is complete.
var AllDone = errors.New("flow: all tasks done")

// ErrExhausted is returned by IterativeWorkflow.NextTask when the
// strategy producer has no more values.
var ErrExhausted = errors.New("flow: strategy producer exhausted")
