package chat

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
	"time"

	"github.com/creack/pty"

	"github.com/nugget/steward/internal/config"
)

// SubprocessConfig configures a transport that drives an interactive
// program over its standard streams.
type SubprocessConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Dir is the working directory. Empty inherits ours.
	Dir string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// PTY attaches the program to a pseudo-terminal instead of pipes.
	PTY bool

	// StartupTimeout bounds the wait for the first idle prompt.
	StartupTimeout time.Duration

	// ReadTimeout bounds each wait for output while a response is
	// pending.
	ReadTimeout time.Duration

	// Lookahead is how long a prompt-shaped tail must stay quiet
	// before it is accepted as the idle prompt.
	Lookahead time.Duration

	// TerminateGrace is the wait between SIGTERM and SIGKILL.
	TerminateGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SubprocessTransport talks to a line-oriented backend that prints
// "\n> " whenever it is idle.
type SubprocessTransport struct {
	config SubprocessConfig
	logger *slog.Logger

	mu     sync.Mutex
	proc   *runningProcess
	closed bool
}

// runningProcess is everything owned by one spawn of the backend.
type runningProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	chunks chan []byte
	stop   chan struct{}
	exited chan struct{}
}

// NewSubprocessTransport creates a transport for the given config. The
// program is not spawned until Start.
func NewSubprocessTransport(cfg SubprocessConfig) *SubprocessTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Lookahead < 0 {
		cfg.Lookahead = 0
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 5 * time.Second
	}
	return &SubprocessTransport{
		config: cfg,
		logger: logger,
	}
}

// Kind implements [Transport].
func (t *SubprocessTransport) Kind() string { return "subprocess" }

// PID returns the backend's process id, or 0 when it is not running.
func (t *SubprocessTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil || t.proc.cmd.Process == nil {
		return 0
	}
	return t.proc.cmd.Process.Pid
}

// Start spawns the program and blocks until it prints its first idle
// prompt, discarding any banner text before it. If no prompt appears
// within StartupTimeout the process is killed and an error wrapping
// [ErrStartupTimeout] is returned. Start on a running transport is a
// no-op.
func (t *SubprocessTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.proc != nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	t.logger.Info("starting backend subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
		"pty", t.config.PTY,
	)

	p, err := t.spawn()
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, t.config.StartupTimeout)
	defer cancel()

	banner, err := t.awaitPrompt(startCtx, p, t.config.StartupTimeout)
	if err != nil {
		t.shutdown(p)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrReadTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w within %v", ErrStartupTimeout, t.config.StartupTimeout)
		}
		return fmt.Errorf("await startup prompt: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		// Close raced with startup.
		t.mu.Unlock()
		t.shutdown(p)
		return ErrSessionClosed
	}
	t.proc = p
	t.mu.Unlock()

	t.logger.Debug("backend subprocess ready",
		"pid", p.cmd.Process.Pid,
		"banner_bytes", len(banner),
	)
	return nil
}

// spawn launches the program and its output pump.
func (t *SubprocessTransport) spawn() (*runningProcess, error) {
	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Dir = t.config.Dir
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.WaitDelay = t.config.TerminateGrace

	p := &runningProcess{
		cmd:    cmd,
		chunks: make(chan []byte, 64),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	if t.config.PTY {
		// pty.Start puts the child in a new session, which also makes
		// it a process group leader.
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 500})
		if err != nil {
			return nil, fmt.Errorf("start subprocess %s on pty: %w", t.config.Command, err)
		}
		p.stdin = ptmx
		p.stdout = ptmx
	} else {
		setProcessGroup(cmd)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("create stdin pipe: %w", err)
		}

		// An explicit pipe keeps cmd.Wait from closing our read end
		// while the pump is still draining it.
		pr, pw, err := os.Pipe()
		if err != nil {
			stdin.Close()
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		cmd.Stdout = pw
		cmd.Stderr = &stderrLogger{logger: t.logger}

		if err := cmd.Start(); err != nil {
			stdin.Close()
			pr.Close()
			pw.Close()
			return nil, fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
		}
		pw.Close()
		p.stdin = stdin
		p.stdout = pr
	}

	go func() {
		err := cmd.Wait()
		t.logger.Debug("backend subprocess exited",
			"pid", cmd.Process.Pid,
			"error", err,
		)
		close(p.exited)
	}()
	go t.pump(p)

	t.logger.Info("backend subprocess started", "pid", cmd.Process.Pid)
	return p, nil
}

// pump copies stdout into the chunk channel until EOF or stop.
func (t *SubprocessTransport) pump(p *runningProcess) {
	defer close(p.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.logger.Log(context.Background(), config.LevelTrace, "backend output",
				"pid", p.cmd.Process.Pid,
				"bytes", string(chunk),
			)
			select {
			case p.chunks <- chunk:
			case <-p.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Exchange writes message as a single line and returns the backend's
// reply once it is idle again. The echoed input line and the prompt
// are stripped.
func (t *SubprocessTransport) Exchange(ctx context.Context, message string) (string, error) {
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()
	if p == nil {
		return "", transportErr("exchange", ErrBackendExited)
	}

	line := singleLine(message)
	t.discardStale(p)

	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return "", transportErr("write", fmt.Errorf("%w: %v", ErrBackendExited, err))
	}

	raw, err := t.awaitPrompt(ctx, p, t.config.ReadTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", transportErr("read", err)
	}
	return cleanResponse(raw, line), nil
}

// discardStale drops output that arrived while no exchange was
// pending, such as the tail of an abandoned reply.
func (t *SubprocessTransport) discardStale(p *runningProcess) {
	dropped := 0
	for {
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return
			}
			dropped += len(chunk)
		default:
			if dropped > 0 {
				t.logger.Debug("discarded stale backend output", "bytes", dropped)
			}
			return
		}
	}
}

// awaitPrompt feeds output through a promptScanner until the prompt is
// confirmed. idle bounds every wait for new bytes; a candidate prompt
// is confirmed after Lookahead of silence.
func (t *SubprocessTransport) awaitPrompt(ctx context.Context, p *runningProcess, idle time.Duration) (string, error) {
	var sc promptScanner

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case chunk, ok := <-p.chunks:
			if !ok {
				return "", ErrBackendExited
			}
			state := sc.feed(chunk)
			wait := idle
			if state == stateCandidate {
				wait = t.config.Lookahead
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)

		case <-timer.C:
			if sc.state == stateCandidate {
				return sc.confirm(), nil
			}
			t.logger.Debug("backend read timed out",
				"pid", p.cmd.Process.Pid,
				"timeout", idle,
				"buffered_bytes", sc.pending(),
			)
			return "", fmt.Errorf("%w after %v", ErrReadTimeout, idle)
		}
	}
}

// Close terminates the backend: stdin is closed, the process group is
// sent SIGTERM, and anything still alive after TerminateGrace is
// killed. Close is idempotent.
func (t *SubprocessTransport) Close() error {
	t.mu.Lock()
	p := t.proc
	t.proc = nil
	t.closed = true
	t.mu.Unlock()

	if p == nil {
		return nil
	}
	t.shutdown(p)
	return nil
}

func (t *SubprocessTransport) shutdown(p *runningProcess) {
	pid := p.cmd.Process.Pid
	t.logger.Info("stopping backend subprocess", "pid", pid)

	close(p.stop)
	p.stdin.Close()

	select {
	case <-p.exited:
	default:
		if err := terminateGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("terminate backend subprocess", "pid", pid, "error", err)
		}
		select {
		case <-p.exited:
		case <-time.After(t.config.TerminateGrace):
			t.logger.Warn("backend subprocess did not exit gracefully, killing", "pid", pid)
			_ = killGroup(p.cmd.Process)
			<-p.exited
		}
	}

	if any(p.stdout) != any(p.stdin) {
		p.stdout.Close()
	}
}

// stderrLogger logs subprocess stderr line by line at debug level.
type stderrLogger struct {
	logger  *slog.Logger
	partial strings.Builder
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.partial.Write(b)
	text := w.partial.String()
	for {
		line, rest, ok := strings.Cut(text, "\n")
		if !ok {
			break
		}
		if line = strings.TrimRight(line, "\r"); line != "" {
			w.logger.Debug("backend subprocess stderr", "line", line)
		}
		text = rest
	}
	w.partial.Reset()
	w.partial.WriteString(text)
	return len(b), nil
}
