// Package standalone supervises external driver processes over anonymous
// pipes: spawn, monitor, restart on death, and terminate.
package standalone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vk/stellard/internal/ctxlog"
)

// monitorInterval is how often the supervisor polls child liveness and,
// when listening, drains driver output.
const monitorInterval = 100 * time.Millisecond

// readChunk bounds a single listening read of the child's stdout.
const readChunk = 1024

// OutputHandler receives bytes the driver wrote to stdout while listening
// is enabled.
type OutputHandler func(name string, data []byte)

// Driver is a supervised external process. External callers interact only
// through Start/Stop/Send/ToggleListening; the supervisor goroutine is the
// single writer of the process state.
type Driver struct {
	name    string
	command string
	args    []string
	output  OutputHandler

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	waitCh chan error

	listening  atomic.Bool
	shouldExit atomic.Bool
	running    atomic.Bool

	done chan struct{}
}

// NewDriver prepares a driver record; the process starts on Start.
func NewDriver(name, command string, args []string, output OutputHandler) *Driver {
	if output == nil {
		output = func(string, []byte) {}
	}
	return &Driver{name: name, command: command, args: args, output: output}
}

// Name returns the driver's registered name.
func (d *Driver) Name() string { return d.name }

// Running reports whether a child process is currently alive.
func (d *Driver) Running() bool { return d.running.Load() }

// Listening reports whether stdout forwarding is enabled.
func (d *Driver) Listening() bool { return d.listening.Load() }

// Start spawns the child with stdin/stdout pipes and launches the
// supervisor goroutine. Readiness is the successful process creation; a
// spawn failure is returned and nothing is left running.
func (d *Driver) Start(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return fmt.Errorf("driver %q already started", d.name)
	}

	d.shouldExit.Store(false)
	if err := d.spawnLocked(); err != nil {
		return fmt.Errorf("failed to start driver %q: %w", d.name, err)
	}
	logger.Info("Standalone driver started.", "name", d.name, "command", d.command)

	d.done = make(chan struct{})
	go d.supervise(ctx)
	return nil
}

// spawnLocked creates pipes and starts the child. Callers hold d.mu.
func (d *Driver) spawnLocked() error {
	if d.shouldExit.Load() {
		return errors.New("driver is stopping")
	}
	cmd := exec.Command(d.command, d.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stdoutW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return err
	}
	// The write end belongs to the child now.
	stdoutW.Close()

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = stdoutR
	d.waitCh = make(chan error, 1)
	waitCh := d.waitCh
	go func() { waitCh <- cmd.Wait() }()
	d.running.Store(true)
	return nil
}

// supervise polls the child every monitorInterval: restart on death, and
// forward output while listening. Faults are logged, never propagated.
func (d *Driver) supervise(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	defer close(d.done)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for !d.shouldExit.Load() {
		<-ticker.C
		if d.shouldExit.Load() {
			return
		}

		d.mu.Lock()
		waitCh := d.waitCh
		d.mu.Unlock()

		select {
		case err := <-waitCh:
			d.running.Store(false)
			if d.shouldExit.Load() {
				return
			}
			logger.Warn("Driver exited unexpectedly, restarting.", "name", d.name, "exit", err)
			d.mu.Lock()
			d.closePipesLocked()
			if rerr := d.spawnLocked(); rerr != nil {
				// Re-enter the loop; the next tick retries the restart.
				logger.Error("Failed to restart driver.", "name", d.name, "error", rerr)
				d.waitCh = closedWait()
			}
			d.mu.Unlock()
		default:
			if d.listening.Load() {
				d.readOutput(logger)
			}
		}
	}
}

// closedWait returns an immediately-ready wait channel so a failed restart
// is retried on the next tick.
func closedWait() chan error {
	ch := make(chan error, 1)
	ch <- errors.New("not running")
	return ch
}

func (d *Driver) readOutput(logger *slog.Logger) {
	d.mu.Lock()
	stdout := d.stdout
	d.mu.Unlock()
	if stdout == nil {
		return
	}

	buf := make([]byte, readChunk)
	stdout.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	n, err := stdout.Read(buf)
	if n > 0 {
		d.output(d.name, buf[:n])
	}
	if err != nil && !os.IsTimeout(err) && !errors.Is(err, io.EOF) {
		logger.Debug("Driver output read failed.", "name", d.name, "error", err)
	}
}

// ToggleListening flips stdout forwarding.
func (d *Driver) ToggleListening() bool {
	for {
		old := d.listening.Load()
		if d.listening.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Send writes message bytes to the child's stdin.
func (d *Driver) Send(message []byte) error {
	d.mu.Lock()
	stdin := d.stdin
	running := d.running.Load()
	d.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("driver %q is not running", d.name)
	}
	if _, err := stdin.Write(message); err != nil {
		return fmt.Errorf("failed to send to driver %q: %w", d.name, err)
	}
	return nil
}

// Stop terminates the child and joins the supervisor. Faults during
// termination are reported but the driver always ends up stopped.
func (d *Driver) Stop(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return fmt.Errorf("driver %q was never started", d.name)
	}

	d.shouldExit.Store(true)

	d.mu.Lock()
	d.closePipesLocked()
	if d.cmd != nil && d.cmd.Process != nil && d.running.Load() {
		if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Debug("SIGTERM failed, killing driver.", "name", d.name, "error", err)
			d.cmd.Process.Kill()
		}
	}
	waitCh := d.waitCh
	d.mu.Unlock()

	<-done
	// Reap the child if the supervisor had not already observed the exit.
	if waitCh != nil {
		select {
		case <-waitCh:
		case <-time.After(2 * time.Second):
			d.mu.Lock()
			if d.cmd != nil && d.cmd.Process != nil {
				d.cmd.Process.Kill()
			}
			d.mu.Unlock()
			<-waitCh
		}
	}
	d.running.Store(false)

	d.mu.Lock()
	d.done = nil
	d.cmd = nil
	d.mu.Unlock()

	logger.Info("Standalone driver stopped.", "name", d.name)
	return nil
}

func (d *Driver) closePipesLocked() {
	if d.stdin != nil {
		d.stdin.Close()
		d.stdin = nil
	}
	if d.stdout != nil {
		d.stdout.Close()
		d.stdout = nil
	}
}

// ParseCommand splits a driver text message of the form
// "target:command" or "target:command:value". Any other shape is rejected.
func ParseCommand(message string) ([]string, error) {
	parts := strings.Split(strings.TrimSpace(message), ":")
	if !(len(parts) == 2 || len(parts) == 3) {
		return nil, fmt.Errorf("malformed driver message %q: want 2 or 3 parts, got %d", message, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("malformed driver message %q: empty part", message)
		}
	}
	return parts, nil
}
