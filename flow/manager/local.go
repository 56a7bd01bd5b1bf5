package manager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/latticeflow/abiflow/flow"
)

// CommandFunc resolves the argv a task of a given kind should run. The
// first element is the executable; callers typically dispatch on
// t.Kind to pick a binary and flags, then append whatever the
// strategy rendered into t.Workdir as positional arguments.
type CommandFunc func(t *flow.Task) (argv []string, env []string, err error)

// LocalManager is a TaskManager that runs tasks as local subprocesses.
// It is the reference implementation; production deployments that
// submit to a batch queue (Slurm, PBS, a Kubernetes Job) implement the
// same TaskManager interface instead.
type LocalManager struct {
	// Command resolves the subprocess argv and environment for a task.
	Command CommandFunc

	mu    sync.Mutex
	procs map[int]*runningProc
}

type runningProc struct {
	cmd      *exec.Cmd
	stdout   *os.File
	stderr   *os.File
	done     chan struct{}
	waitErr  error
	exitCode int
	polled   bool
}

// NewLocalManager constructs a LocalManager that resolves argv/env via
// resolve.
func NewLocalManager(resolve CommandFunc) *LocalManager {
	return &LocalManager{
		Command: resolve,
		procs:   make(map[int]*runningProc),
	}
}

// DeepCopy implements TaskManager. The Command resolver is stateless
// and shared; only the live process table is per-copy, since each
// registered workflow's tasks must track their own subprocesses
// independently.
func (m *LocalManager) DeepCopy() flow.TaskManager {
	return &LocalManager{
		Command: m.Command,
		procs:   make(map[int]*runningProc),
	}
}

// Launch starts t's subprocess. Stdout and stderr are redirected to
// stdout.log/stderr.log under t.Workdir so a crashed task leaves a
// readable trail even if nobody is polling it.
func (m *LocalManager) Launch(ctx context.Context, t *flow.Task) error {
	argv, env, err := m.Command(t)
	if err != nil {
		return fmt.Errorf("resolve command for task %d: %w", t.NodeID(), err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("resolve command for task %d: empty argv", t.NodeID())
	}

	if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir for task %d: %w", t.NodeID(), err)
	}
	stdout, err := os.Create(filepath.Join(t.Workdir, "stdout.log"))
	if err != nil {
		return fmt.Errorf("create stdout log for task %d: %w", t.NodeID(), err)
	}
	stderr, err := os.Create(filepath.Join(t.Workdir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("create stderr log for task %d: %w", t.NodeID(), err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.Workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start task %d: %w", t.NodeID(), err)
	}

	rp := &runningProc{cmd: cmd, stdout: stdout, stderr: stderr, done: make(chan struct{})}
	m.mu.Lock()
	m.procs[t.NodeID()] = rp
	m.mu.Unlock()

	go func() {
		rp.waitErr = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(rp.done)
	}()

	return nil
}

// Wait blocks until t's subprocess exits or ctx is cancelled.
func (m *LocalManager) Wait(ctx context.Context, t *flow.Task) error {
	rp, ok := m.proc(t)
	if !ok {
		return fmt.Errorf("wait task %d: not launched", t.NodeID())
	}
	select {
	case <-rp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll reports the subprocess's current state. Before the process
// exits this is always S_RUN; once it has exited it is classified
// S_OK or S_ERROR by return code, matching Task.Wait's fallback
// classification.
func (m *LocalManager) Poll(t *flow.Task) (flow.Status, int, error) {
	rp, ok := m.proc(t)
	if !ok {
		return flow.SInit, 0, fmt.Errorf("poll task %d: not launched", t.NodeID())
	}

	select {
	case <-rp.done:
	default:
		return flow.SRun, 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !rp.polled {
		rp.exitCode = exitCodeOf(rp.cmd, rp.waitErr)
		rp.polled = true
	}
	if rp.exitCode == 0 {
		return flow.SOk, rp.exitCode, nil
	}
	return flow.SError, rp.exitCode, nil
}

// TotNCPUs reports the CPUs the task is configured to request.
func (m *LocalManager) TotNCPUs(t *flow.Task) int {
	if t.NCPUs <= 0 {
		return 1
	}
	return t.NCPUs
}

func (m *LocalManager) proc(t *flow.Task) (*runningProc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.procs[t.NodeID()]
	return rp, ok
}

// exitCodeOf extracts a subprocess's exit code from its process state,
// falling back to the error Cmd.Wait returned (1 if non-nil, else 0)
// when no usable process state is available.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	if waitErr != nil {
		return 1
	}
	return 0
}
