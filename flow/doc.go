// Package flow implements a workflow execution engine for scientific
// compute jobs.
//
// A Workflow is a directed acyclic graph of Tasks, where each Task is an
// external compute job that reads inputs, writes outputs, and depends on
// files produced by other tasks. A Flow is a collection of Workflows that
// may depend on one another or on dynamically generated work spawned by
// callbacks.
//
// The package owns the scheduling and dependency-propagation subsystem:
// the task/workflow/flow hierarchy, the status state machine, the
// dependency graph keyed by file-extension tags, the signal-driven
// callback mechanism that spawns dynamic work, and the persistence and
// resumption protocol. Everything outside that — how a task is actually
// launched, how an input deck is rendered, domain-specific convergence
// math — is a pluggable collaborator described by an interface.
//
// Scheduling is single-threaded and cooperative: one driver owns mutation
// of the graph at a time. Tasks run out of process and are observed by
// polling a TaskManager; the engine itself does not thread the driver.
package flow
