// Package executor runs the work behind a job ID.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/farmhand/internal/dispatch"
	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a job process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultTimeout = 60 * time.Second
)

var (
	// ErrJobFailed is returned when the job process reports status=error.
	ErrJobFailed = errors.New("job failed")
	// ErrTimeout is returned when the job process outlives its timeout.
	ErrTimeout = errors.New("job timed out")
)

// Command runs one subprocess per job. The process receives a
// protocol.JobRequest on stdin and must print a protocol.JobResponse on
// stdout. FARMHAND_JOB_ID and FARMHAND_RANK are set in its environment.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Rank    int
	// Grace overrides the SIGTERM-to-SIGKILL delay.
	Grace  time.Duration
	Logger *slog.Logger
}

// Execute runs the job to completion.
func (c *Command) Execute(ctx context.Context, job dispatch.JobID) error {
	var logger *slog.Logger
	if c.Logger != nil {
		logger = c.Logger.With("job_id", int(job), "rank", c.Rank)
	} else {
		logger = log.WithJob(int(job)).With("component", "executor", "rank", c.Rank)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	req := &protocol.JobRequest{
		Protocol:   protocol.Version,
		JobID:      int(job),
		Rank:       c.Rank,
		DeadlineAt: time.Now().Add(timeout).UTC(),
	}

	resp, stderr, err := c.spawn(ctx, req, timeout, logger)
	if stderr != "" {
		logger.Debug("job stderr", "stderr", stderr)
	}
	if err != nil {
		return fmt.Errorf("job %d: %w", job, err)
	}

	for _, entry := range resp.Logs {
		logger.Info("job log", "level", entry.Level, "message", entry.Message)
	}
	if resp.Status == "error" {
		logger.Warn("job returned error", "error", resp.Error)
		return fmt.Errorf("job %d: %w: %s", job, ErrJobFailed, resp.Error)
	}
	logger.Debug("job completed successfully")
	return nil
}

// spawn starts the process, writes the request to stdin, and reads the
// response from stdout. Returns the response, stderr output, and any error.
func (c *Command) spawn(
	ctx context.Context,
	req *protocol.JobRequest,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.JobResponse, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here.
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(),
		"FARMHAND_JOB_ID="+strconv.Itoa(req.JobID),
		"FARMHAND_RANK="+strconv.Itoa(req.Rank),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// Grandchildren holding the pipes must not hang Wait.
	cmd.WaitDelay = time.Second

	logger.Debug("spawning job process", "path", c.Path, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeJobRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case <-timeoutTimer.C:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case err := <-waitErr:
		stderrStr := stderr.String()
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("job process exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeJobResponse(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode job response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	c.terminate(cmd, waitErr, logger)
	return nil, stderr.String(), cause
}

// terminate sends SIGTERM, then SIGKILL once the grace period runs out.
func (c *Command) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	logger.Warn("stopping job process, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	gracePeriod := c.Grace
	if gracePeriod <= 0 {
		gracePeriod = terminationGracePeriod
	}
	grace := time.NewTimer(gracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("job process exited after SIGTERM")
	case <-grace.C:
		logger.Warn("job process did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// cappedBuffer keeps the first max bytes written to it and discards the
// rest, so a chatty process cannot grow it without bound.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Len() int { return b.buf.Len() }

func (b *cappedBuffer) String() string { return b.buf.String() }
