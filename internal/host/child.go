package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxLineSize is the longest child output line that is logged.
const maxLineSize = 1024 * 1024

// child is a spawned client process whose output is relayed to the log.
type child struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Spawn starts name with args followed by the port and key. Each line the
// child writes to stdout or stderr is logged. The child is killed when ctx
// ends or the host is closed.
func (h *Host) Spawn(ctx context.Context, name string, args ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.child != nil {
		return ErrSpawned
	}

	cmd := exec.CommandContext(ctx, name, append(args, h.args()...)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open child stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open child stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	h.child = c

	log := h.logger.WithFields(logrus.Fields{
		"cmd": name,
		"pid": cmd.Process.Pid,
	})
	log.Info("child started")

	var pipes sync.WaitGroup
	pipes.Add(2)
	go relay(&pipes, stdout, log.WithField("stream", "stdout"), logrus.InfoLevel)
	go relay(&pipes, stderr, log.WithField("stream", "stderr"), logrus.WarnLevel)

	go func() {
		pipes.Wait()
		c.err = cmd.Wait()
		if c.err != nil {
			log.WithError(c.err).Warn("child exited")
		} else {
			log.Info("child exited")
		}
		close(c.done)
	}()

	return nil
}

// WaitChild blocks until the spawned child exits and returns its exit error.
func (h *Host) WaitChild() error {
	h.mu.Lock()
	c := h.child
	h.mu.Unlock()

	if c == nil {
		return errors.New("no child process spawned")
	}
	return c.wait()
}

func (c *child) wait() error {
	<-c.done
	return c.err
}

func (c *child) kill() {
	select {
	case <-c.done:
	default:
		_ = c.cmd.Process.Kill()
	}
}

func relay(wg *sync.WaitGroup, r io.Reader, log logrus.FieldLogger, level logrus.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if level == logrus.WarnLevel {
			log.Warn(scanner.Text())
		} else {
			log.Info(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("stopped relaying child output")
	}
	// keep the pipe drained so the child never blocks on a full buffer
	_, _ = io.Copy(io.Discard, r)
}
