//go:build !windows
// +build !windows

package shell

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/creack/pty"
	"go.uber.org/zap"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultDrainWindow  = 500 * time.Millisecond
	defaultPollInterval = 100 * time.Millisecond
	defaultWidthColumns = 80
	defaultHeightRows   = 24

	readChunkSize   = 4096
	chunkBacklog    = 64
	killGracePeriod = time.Second
)

// ShellPTY is a shell process attached to a PTY that can be driven one command at a time.
type ShellPTY struct {
	logger *zap.Logger

	argv         []string
	env          []string
	drainWindow  time.Duration
	pollInterval time.Duration

	shellCmd *exec.Cmd
	pty      *os.File

	executeLock sync.Mutex

	chunks  chan []byte
	readErr error

	exited chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts ...Option) (*ShellPTY, error) {
	sp := &ShellPTY{
		chunks: make(chan []byte, chunkBacklog),
		exited: make(chan struct{}),
		closed: make(chan struct{}),
	}

	// Apply options
	for _, opt := range opts {
		opt(sp)
	}

	// Apply defaults
	if sp.logger == nil {
		sp.logger = zap.NewNop()
	}
	if len(sp.argv) == 0 {
		sp.argv = []string{determineShellPath()}
	}
	if sp.drainWindow <= 0 {
		sp.drainWindow = defaultDrainWindow
	}
	if sp.pollInterval <= 0 {
		sp.pollInterval = defaultPollInterval
	}

	shellCmd := exec.Command(sp.argv[0], sp.argv[1:]...)

	// Inherit this process environment variables
	if len(sp.env) == 0 {
		shellCmd.Env = os.Environ()
	} else {
		shellCmd.Env = sp.env
	}

	// Set TERM to avoid "Error opening terminal: unknown." error
	shellCmd.Env = append(shellCmd.Env, "TERM=xterm")

	// StartWithSize runs the shell with Setsid, so it leads its own session and process group
	ptmx, err := pty.StartWithSize(shellCmd, &pty.Winsize{
		Cols: defaultWidthColumns,
		Rows: defaultHeightRows,
	})
	if err != nil {
		return nil, err
	}

	sp.shellCmd = shellCmd
	sp.pty = ptmx

	sp.logger.Debug("started shell process", zap.Int("pid", shellCmd.Process.Pid),
		zap.Strings("argv", sp.argv))

	go sp.readPump()
	go sp.waitExit()

	return sp, nil
}

func (sp *ShellPTY) Pid() int {
	return sp.shellCmd.Process.Pid
}

// Execute writes the command followed by a newline and collects whatever the shell prints
// until it goes quiet for a poll interval or the drain window runs out.
func (sp *ShellPTY) Execute(command string) Result {
	sp.executeLock.Lock()
	defer sp.executeLock.Unlock()

	select {
	case <-sp.closed:
		return Faulted(ErrClosed)
	default:
	}

	if _, err := sp.pty.Write([]byte(command + "\n")); err != nil {
		return Faulted(fmt.Errorf("failed to write to PTY: %w", err))
	}

	return sp.drain()
}

func (sp *ShellPTY) drain() Result {
	window := time.NewTimer(sp.drainWindow)
	defer window.Stop()

	var output bytes.Buffer

	for {
		poll := time.NewTimer(sp.pollInterval)

		select {
		case chunk, ok := <-sp.chunks:
			poll.Stop()

			if !ok {
				if output.Len() == 0 {
					return Faulted(sp.readFault())
				}

				return Result{Output: decode(output.Bytes())}
			}

			output.Write(chunk)
		case <-poll.C:
			if output.Len() > 0 {
				return Result{Output: decode(output.Bytes())}
			}
		case <-window.C:
			poll.Stop()

			return Result{Output: decode(output.Bytes())}
		}
	}
}

func (sp *ShellPTY) readPump() {
	defer close(sp.chunks)

	buf := make([]byte, readChunkSize)

	for {
		n, err := sp.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			select {
			case sp.chunks <- chunk:
			case <-sp.closed:
				return
			}
		}

		if err != nil {
			sp.readErr = err

			return
		}
	}
}

// readFault must only be called after the chunks channel was observed closed.
func (sp *ShellPTY) readFault() error {
	switch {
	case sp.readErr == nil:
		return ErrClosed
	case errors.Is(sp.readErr, os.ErrClosed):
		return ErrClosed
	case errors.Is(sp.readErr, io.EOF), errors.Is(sp.readErr, syscall.EIO):
		// Linux reports EIO once the last process holding the subordinate end is gone
		return ErrShellExited
	default:
		return fmt.Errorf("failed to read from PTY: %w", sp.readErr)
	}
}

func (sp *ShellPTY) waitExit() {
	err := sp.shellCmd.Wait()

	sp.logger.Debug("shell process exited", zap.Int("pid", sp.shellCmd.Process.Pid), zap.Error(err))

	close(sp.exited)
}

func (sp *ShellPTY) Exited() bool {
	select {
	case <-sp.exited:
		return true
	default:
		return false
	}
}

// Close closes the PTY controller and terminates the shell, escalating to SIGKILL
// if the shell is still around after a grace period.
func (sp *ShellPTY) Close() error {
	var result error

	sp.closeOnce.Do(func() {
		close(sp.closed)

		if err := sp.pty.Close(); err != nil {
			result = err
		}

		pid := sp.shellCmd.Process.Pid

		sp.logger.Debug("terminating shell process", zap.Int("pid", pid))

		if err := sp.shellCmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			sp.logger.Debug("failed to terminate shell process", zap.Int("pid", pid), zap.Error(err))
		}

		select {
		case <-sp.exited:
		case <-time.After(killGracePeriod):
			sp.logger.Debug("killing shell process", zap.Int("pid", pid))

			if err := sp.shellCmd.Process.Kill(); err != nil && result == nil {
				result = err
			}

			<-sp.exited
		}
	})

	return result
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func determineShellPath() string {
	shellPath := "/bin/sh"

	if bashPath, err := exec.LookPath("bash"); err == nil {
		shellPath = bashPath
	}

	return shellPath
}
