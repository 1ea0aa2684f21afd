package pool

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/roasbeef/xosc/internal/wire"
)

// Handle controls one spawned sub-pool worker.
type Handle interface {
	// Wait blocks until the worker exits.
	Wait() error

	// Kill terminates the worker.
	Kill() error
}

// Spawner launches sub-pool workers. The default implementation execs the
// daemon binary; tests substitute in-process nodes.
type Spawner interface {
	// Spawn starts the worker for the given sub-pool index, listening
	// on the private endpoint and addressed publicly as
	// pool/subpool/<index>.
	Spawn(ctx context.Context, idx int, private wire.Address,
		public wire.Address) (Handle, error)
}

// ExecSpawner launches workers by re-executing the daemon binary with
// worker flags.
type ExecSpawner struct {
	// Binary is the executable path; empty means the current binary.
	Binary string

	// ExtraArgs is appended to the generated worker arguments.
	ExtraArgs []string
}

// Spawn execs a worker process.
func (s *ExecSpawner) Spawn(ctx context.Context, idx int,
	private wire.Address, public wire.Address) (Handle, error) {

	binary := s.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, wire.NewError(
				wire.KindInternal,
				"resolve daemon binary: %v", err,
			)
		}
		binary = exe
	}

	args := []string{
		"serve",
		"--address", private.String(),
		"--public-address", public.String(),
		"--subpool-index", strconv.Itoa(idx),
	}
	args = append(args, s.ExtraArgs...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, wire.NewError(
			wire.KindSubPoolLost,
			"spawn sub-pool %d: %v", idx, err,
		)
	}

	return &execHandle{cmd: cmd}, nil
}

// execHandle wraps a running worker process.
type execHandle struct {
	cmd *exec.Cmd
}

// Wait blocks until the worker exits.
func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}

// Kill terminates the worker: SIGTERM first, SIGKILL after a short grace.
func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return h.cmd.Process.Kill()
	}

	done := make(chan struct{})
	go func() {
		h.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(3 * time.Second):
		return h.cmd.Process.Kill()
	}
}
