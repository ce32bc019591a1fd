// Package exec runs external tools under supervision: guard-checked,
// time-bounded, output-capped, and audit-logged. Commands are always argv
// vectors; no shell is ever interposed.
package exec

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Validator can veto a vector before it spawns.
type Validator interface {
	Validate(argv []string) error
}

// Sink receives every envelope the runner produces, success or not.
type Sink interface {
	Append(Envelope)
}

type Request struct {
	Argv           []string
	Dir            string
	Timeout        time.Duration
	MaxOutputBytes int
	RiskTier       string
	ActionID       string
}

type Runner struct {
	Guard          Validator
	Sink           Sink
	Timeout        time.Duration
	Grace          time.Duration
	MaxOutputBytes int
	Log            *logrus.Entry
	Now            func() time.Time
}

func NewRunner(guard Validator, sink Sink, timeout, grace time.Duration, maxOutput int, log *logrus.Entry) *Runner {
	return &Runner{
		Guard:          guard,
		Sink:           sink,
		Timeout:        timeout,
		Grace:          grace,
		MaxOutputBytes: maxOutput,
		Log:            log,
		Now:            time.Now,
	}
}

// Run executes one request and returns its envelope. The envelope is also
// appended to the sink before returning, whatever the outcome, so the
// session history always reflects the attempt.
func (r *Runner) Run(ctx context.Context, req Request) Envelope {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	grace := r.Grace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	maxOutput := req.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = r.MaxOutputBytes
	}
	if maxOutput <= 0 {
		maxOutput = 2 << 20
	}

	env := Envelope{
		ID:        uuid.NewString(),
		ActionID:  req.ActionID,
		Argv:      append([]string(nil), req.Argv...),
		Dir:       req.Dir,
		StartedAt: now().UTC(),
		RiskTier:  req.RiskTier,
	}

	if r.Guard != nil {
		if err := r.Guard.Validate(req.Argv); err != nil {
			env.Status = StatusBlocked
			env.Reason = err.Error()
			env.ExitCode = -1
			env.EndedAt = now().UTC()
			r.record(env)
			return env
		}
	}
	if len(req.Argv) == 0 {
		env.Status = StatusBlocked
		env.Reason = "empty command"
		env.ExitCode = -1
		env.EndedAt = now().UTC()
		r.record(env)
		return env
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.finishSpawnError(env, err, now)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.finishSpawnError(env, err, now)
	}

	outCap := newCapturer(maxOutput)
	errCap := newCapturer(maxOutput)

	if err := cmd.Start(); err != nil {
		return r.finishSpawnError(env, err, now)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		_, _ = io.Copy(outCap, stdout)
	}()
	go func() {
		defer readers.Done()
		_, _ = io.Copy(errCap, stderr)
	}()

	waitDone := make(chan error, 1)
	go func() {
		readers.Wait()
		waitDone <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	cancelled := false

	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		timedOut = true
		terminateProcess(cmd, grace)
		waitErr = <-waitDone
	case <-ctx.Done():
		cancelled = true
		terminateProcess(cmd, 0)
		waitErr = <-waitDone
	}

	env.EndedAt = now().UTC()
	env.Stdout, env.Stderr = outCap.String(), errCap.String()
	env.Truncated = outCap.Truncated() || errCap.Truncated()

	switch {
	case timedOut:
		env.Status = StatusTimeout
		env.ExitCode = -1
		env.Reason = "wall-clock timeout after " + timeout.String()
	case cancelled:
		env.Status = StatusCancelled
		env.ExitCode = -1
		env.Reason = "cancelled by operator"
	case waitErr == nil:
		env.Status = StatusSuccess
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			env.Status = StatusNonzero
			env.ExitCode = exitErr.ExitCode()
			env.Reason = waitErr.Error()
		} else {
			env.Status = StatusSpawnError
			env.ExitCode = -1
			env.Reason = waitErr.Error()
		}
	}

	r.record(env)
	return env
}

func (r *Runner) finishSpawnError(env Envelope, err error, now func() time.Time) Envelope {
	env.Status = StatusSpawnError
	env.Reason = err.Error()
	env.ExitCode = -1
	env.EndedAt = now().UTC()
	r.record(env)
	return env
}

func (r *Runner) record(env Envelope) {
	if r.Log != nil {
		r.Log.WithFields(logrus.Fields{
			"envelope": env.ID,
			"argv":     env.Argv,
			"status":   env.Status,
			"exit":     env.ExitCode,
			"duration": env.Duration().String(),
			"reason":   env.Reason,
		}).Info("command finished")
	}
	if r.Sink != nil {
		r.Sink.Append(env)
	}
}

// capturer retains up to max bytes of a stream plus one sentinel byte, so
// overflow is detectable after the stream closes. Truncate applies the
// marker on read.
type capturer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newCapturer(max int) *capturer {
	return &capturer{max: max}
}

func (c *capturer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining := c.max + 1 - len(c.buf); remaining > 0 {
		take := len(p)
		if take > remaining {
			take = remaining
		}
		c.buf = append(c.buf, p[:take]...)
	}
	return len(p), nil
}

func (c *capturer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, _ := Truncate(string(c.buf), c.max)
	return out
}

func (c *capturer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) > c.max
}
