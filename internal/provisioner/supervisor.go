package provisioner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("token process already running")
	ErrNotRunning     = errors.New("token process is not running")
)

// Supervisor runs at most one helper process at a time.
type Supervisor struct {
	command string
	args    []string
	broker  *Broker
	logger  *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(command string, args []string, broker *Broker, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		command: command,
		args:    args,
		broker:  broker,
		logger:  logger.With(zap.String("component", "provisioner")),
	}
}

func (s *Supervisor) Broker() *Broker { return s.broker }

// Running reports whether the helper is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Start launches the helper. Its stdout and stderr lines are published as
// output and error events, followed by one exit event.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, s.command, s.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		s.broker.Publish(Event{Kind: EventError, Message: err.Error()})
		return fmt.Errorf("start %s: %w", s.command, err)
	}
	s.logger.Info("token process started", zap.String("command", s.command), zap.Int("pid", cmd.Process.Pid))

	s.cmd, s.cancel, s.done = cmd, cancel, make(chan struct{})
	go s.wait(cmd, stdout, stderr, s.done)
	return nil
}

func (s *Supervisor) wait(cmd *exec.Cmd, stdout, stderr io.Reader, done chan struct{}) {
	defer close(done)

	var g errgroup.Group
	g.Go(func() error { return s.relay(stdout, EventOutput) })
	g.Go(func() error { return s.relay(stderr, EventError) })
	if err := g.Wait(); err != nil {
		s.logger.Warn("reading token process output", zap.Error(err))
	}

	err := cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	s.logger.Info("token process exited", zap.Int("code", code), zap.Error(err))
	s.broker.Publish(Event{Kind: EventExit, Code: &code})

	s.mu.Lock()
	if s.cmd == cmd {
		s.cmd, s.cancel = nil, nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) relay(r io.Reader, kind EventKind) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.broker.Publish(Event{Kind: kind, Message: line})
	}
	return sc.Err()
}

// Stop kills the helper and waits for its exit event to be published.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}
