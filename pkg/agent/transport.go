// Package agent runs subagent tasks through the LLM worker transport: a
// child process that receives the prompt on argv/stdin and streams UTF-8
// text on stdout and diagnostics on stderr. The transport enforces the
// per-task idle timeout (reset on every output chunk), terminates with
// SIGTERM then SIGKILL, and surfaces exit failures with an HTTP-style
// status when the worker reports one.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/delegate/pkg/retry"
)

// killGrace is how long after SIGTERM the worker gets before SIGKILL.
const killGrace = 500 * time.Millisecond

// stderrTailLines bounds the stderr tail kept for error summaries.
const stderrTailLines = 40

// Request is one worker invocation.
type Request struct {
	Provider    string
	Model       string
	Prompt      string
	IdleTimeout time.Duration // 0 disables the idle timeout

	// Chunk sinks; either may be nil. Called from the reader goroutines,
	// one writer per stream.
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

// Result is a successful invocation's output.
type Result struct {
	Output   string
	Duration time.Duration
}

// Invoker is the worker transport. Implemented by ProcessInvoker; tests
// substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// ProcessInvoker runs the worker as a child process. The command receives
// --provider and --model flags and the prompt on stdin.
type ProcessInvoker struct {
	Command string
	Args    []string
}

// NewProcessInvoker creates a transport for the given worker command.
func NewProcessInvoker(command string, args ...string) *ProcessInvoker {
	return &ProcessInvoker{Command: command, Args: args}
}

// statusRe extracts an HTTP-style status from worker stderr, e.g.
// "HTTP 429" or "status=500".
var statusRe = regexp.MustCompile(`(?i)(?:http|status)[ =:]*([1-5]\d\d)`)

// Invoke runs the worker once. Success requires exit code 0 and non-empty
// trimmed stdout; empty stdout on a clean exit is ErrEmptyOutput.
func (p *ProcessInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	args := append([]string{}, p.Args...)
	args = append(args, "--provider", req.Provider, "--model", req.Model)

	// The command gets its own context so cancellation goes through our
	// SIGTERM-then-SIGKILL path instead of exec's immediate kill.
	cmd := exec.Command(p.Command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Own process group: termination must reach anything the worker forks,
	// or its descendants keep the pipe write-ends open and stall Wait.
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start worker: %w", err)
	}

	// activity is signalled on every chunk to reset the idle timer.
	activity := make(chan struct{}, 1)
	notifyActivity := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	var outBuf strings.Builder
	var outMu sync.Mutex
	errTail := newTailBuffer(stderrTailLines)

	var readers errgroup.Group
	readers.Go(func() error {
		readChunks(stdout, func(chunk string) {
			notifyActivity()
			outMu.Lock()
			outBuf.WriteString(chunk)
			outMu.Unlock()
			if req.OnStdout != nil {
				req.OnStdout(chunk)
			}
		})
		return nil
	})
	readers.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			notifyActivity()
			errTail.Append(line)
			if req.OnStderr != nil {
				req.OnStderr(line + "\n")
			}
		}
		return scanner.Err()
	})

	waitErr := make(chan error, 1)
	procDone := make(chan struct{})
	go func() {
		// Both pipes must be drained before Wait.
		_ = readers.Wait()
		waitErr <- cmd.Wait()
	}()

	var idleTimer *time.Timer
	var idleCh <-chan time.Time
	if req.IdleTimeout > 0 {
		idleTimer = time.NewTimer(req.IdleTimeout)
		defer idleTimer.Stop()
		idleCh = idleTimer.C
	}

	var exitErr error
	timedOut := false
	cancelled := false

loop:
	for {
		select {
		case exitErr = <-waitErr:
			break loop
		case <-activity:
			if idleTimer != nil {
				if !idleTimer.Stop() {
					<-idleTimer.C
				}
				idleTimer.Reset(req.IdleTimeout)
			}
		case <-idleCh:
			timedOut = true
			p.terminate(cmd, procDone)
			exitErr = <-waitErr
			break loop
		case <-ctx.Done():
			cancelled = true
			p.terminate(cmd, procDone)
			exitErr = <-waitErr
			break loop
		}
	}
	close(procDone)

	elapsed := time.Since(start)
	outMu.Lock()
	output := outBuf.String()
	outMu.Unlock()

	switch {
	case cancelled:
		return Result{}, context.Canceled
	case timedOut:
		return Result{}, fmt.Errorf("worker idle for %s: %w", req.IdleTimeout, context.DeadlineExceeded)
	case exitErr != nil:
		tail := errTail.String()
		if m := statusRe.FindStringSubmatch(tail); m != nil {
			code, _ := strconv.Atoi(m[1])
			return Result{}, &retry.StatusError{Code: code, Message: lastLine(tail)}
		}
		return Result{}, fmt.Errorf("worker failed: %w: %s", exitErr, lastLine(tail))
	}

	if strings.TrimSpace(output) == "" {
		return Result{}, retry.ErrEmptyOutput
	}
	return Result{Output: output, Duration: elapsed}, nil
}

// terminate asks the worker's process group to exit, escalating to SIGKILL
// after the grace period. done is closed once Wait has returned, at which
// point escalation is moot.
func (p *ProcessInvoker) terminate(cmd *exec.Cmd, done <-chan struct{}) {
	if err := terminateGroup(cmd); err != nil {
		slog.Debug("Worker SIGTERM failed", "error", err)
	}
	go func() {
		select {
		case <-done:
			return
		case <-time.After(killGrace):
		}
		if err := killGroup(cmd); err != nil {
			slog.Debug("Worker kill after grace period failed", "error", err)
		}
	}()
}

// readChunks delivers reads as they arrive, preserving chunk boundaries as
// seen on the pipe (important for the idle timer and live streaming).
func readChunks(r io.Reader, deliver func(string)) {
	buf := make([]byte, 16*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			deliver(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
