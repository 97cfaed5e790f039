package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
)

// LocalRunner runs each batch on a goroutine of the current process
type LocalRunner struct {
	runner *BatchRunner
}

// NewLocalRunner creates a runner that executes batches in-process
func NewLocalRunner(runner *BatchRunner) *LocalRunner {
	return &LocalRunner{runner: runner}
}

func (l *LocalRunner) RunBatch(ctx context.Context, job *domain.Job, batch domain.Batch) (outcome domain.BatchOutcome) {
	outcome.Batch = batch

	defer func() {
		if p := recover(); p != nil {
			outcome.Failed = nil
			outcome.Fault = domain.NewBatchFault(batch, fmt.Errorf("panic: %v", p))
		}
	}()

	failed, err := l.runner.Run(ctx, job, batch)
	if err != nil {
		outcome.Fault = domain.NewBatchFault(batch, err)
		return outcome
	}

	outcome.Failed = failed
	return outcome
}

// BatchRequest is what a batch child process reads from stdin
type BatchRequest struct {
	RunID        string            `json:"run_id"`
	Batch        domain.Batch      `json:"batch"`
	Files        map[string]string `json:"files"`
	Destination  string            `json:"destination"`
	HTTP2        bool              `json:"http2"`
	Debug        bool              `json:"debug"`
	Concurrency  int               `json:"concurrency"`
	FetchTimeout time.Duration     `json:"fetch_timeout"`
}

// BatchResponse is what a batch child process writes to its result pipe
type BatchResponse struct {
	Failed []string `json:"failed"`
	Error  string   `json:"error,omitempty"`
}

// NewBatchRequest carries the part of job that batch needs
func NewBatchRequest(job *domain.Job, batch domain.Batch) *BatchRequest {
	files := make(map[string]string, len(batch.Links))
	for _, link := range batch.Links {
		files[link] = job.Files[link]
	}

	return &BatchRequest{
		RunID:        job.RunID,
		Batch:        batch,
		Files:        files,
		Destination:  job.Destination,
		HTTP2:        job.HTTP2,
		Debug:        job.Debug,
		Concurrency:  job.Concurrency,
		FetchTimeout: job.FetchTimeout,
	}
}

// Job rebuilds the job view of a batch request
func (r *BatchRequest) Job() *domain.Job {
	return &domain.Job{
		RunID:        r.RunID,
		Links:        r.Batch.Links,
		Files:        r.Files,
		Destination:  r.Destination,
		HTTP2:        r.HTTP2,
		Debug:        r.Debug,
		Concurrency:  r.Concurrency,
		FetchTimeout: r.FetchTimeout,
	}
}

// ProcessRunnerConfig holds process runner configuration
type ProcessRunnerConfig struct {
	Logger *slog.Logger
	Path   string   // executable to start, normally os.Executable()
	Args   []string // arguments selecting batch mode
	Env    []string // extra environment on top of os.Environ()
	Output io.Writer
}

// ProcessRunner runs each batch in a child OS process. The request goes to
// the child's stdin and the response comes back on file descriptor 3, so the
// child's stdout and stderr stay free for logs.
type ProcessRunner struct {
	logger *slog.Logger
	path   string
	args   []string
	env    []string
	output io.Writer
}

// NewProcessRunner creates a runner that starts one process per batch
func NewProcessRunner(cfg *ProcessRunnerConfig) *ProcessRunner {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ProcessRunner{
		logger: logger,
		path:   cfg.Path,
		args:   cfg.Args,
		env:    cfg.Env,
		output: output,
	}
}

func (p *ProcessRunner) RunBatch(ctx context.Context, job *domain.Job, batch domain.Batch) domain.BatchOutcome {
	outcome := domain.BatchOutcome{Batch: batch}

	resp, err := p.run(ctx, NewBatchRequest(job, batch))
	if err != nil {
		outcome.Fault = domain.NewBatchFault(batch, err)
		return outcome
	}

	outcome.Failed = resp.Failed
	return outcome
}

func (p *ProcessRunner) run(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	resultReader, resultWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create result pipe: %w", err)
	}
	defer resultReader.Close()

	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = p.output
	cmd.Stderr = p.output
	cmd.ExtraFiles = []*os.File{resultWriter}

	if err := cmd.Start(); err != nil {
		resultWriter.Close()
		return nil, fmt.Errorf("failed to start batch process: %w", err)
	}
	resultWriter.Close()

	p.logger.Debug("Batch process started",
		slog.Int("batch", req.Batch.Index),
		slog.Int("cpu", req.Batch.CPU),
		slog.Int("pid", cmd.Process.Pid),
	)

	data, readErr := io.ReadAll(resultReader)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("batch process failed: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read batch result: %w", readErr)
	}

	var resp BatchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode batch result: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	return &resp, nil
}

// ServeBatch is the child side of ProcessRunner: it reads one request from r,
// runs it with the runner built by newRunner and writes the response to w.
func ServeBatch(ctx context.Context, r io.Reader, w io.Writer, newRunner func(req *BatchRequest) (*BatchRunner, error)) error {
	var req BatchRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode batch request: %w", err)
	}

	var resp BatchResponse

	runner, err := newRunner(&req)
	if err != nil {
		resp.Error = err.Error()
	} else {
		failed, runErr := runner.Run(ctx, req.Job(), req.Batch)
		if runErr != nil {
			resp.Error = runErr.Error()
		}
		resp.Failed = failed
	}

	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		return fmt.Errorf("failed to write batch result: %w", err)
	}
	return nil
}
