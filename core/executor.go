package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
)

// Executor runs a parsed job to completion. Task failures come back
// inside the result with Error set and stats attached; the error
// return is reserved for the executor itself being unable to run the
// job at all.
type Executor interface {
	Exec(ctx context.Context, job *Job) (*JobResult, error)
}

// LocalExecutor runs registered tasks in-process on a single device.
type LocalExecutor struct {
	registry *Registry
	device   string
	workRoot string
	emit     func(jobID string, val EncodedValue)
}

// NewLocalExecutor creates an executor bound to device ("cpu" or
// "cuda:N"). emit receives partial outputs and may be nil.
func NewLocalExecutor(registry *Registry, device, workRoot string, emit func(string, EncodedValue)) *LocalExecutor {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &LocalExecutor{registry: registry, device: device, workRoot: workRoot, emit: emit}
}

type taskReturn struct {
	out interface{}
	err error
}

func (e *LocalExecutor) Exec(ctx context.Context, job *Job) (*JobResult, error) {
	ClearMemory()
	mon := StartResourceMonitor(ctx)
	res := e.exec(ctx, job)
	res.Stats = mon.Finish(ctx)
	ClearMemory()
	return res, nil
}

// Stop is a no-op; in-process executors hold no device resources.
func (e *LocalExecutor) Stop() {}

func (e *LocalExecutor) exec(ctx context.Context, job *Job) *JobResult {
	payload := job.Payload
	if payload == nil {
		p, err := ParsePayload(job.Input)
		if err != nil {
			return failedResult(err, ErrorTypePayload)
		}
		payload = p
	}

	fn, ok := e.registry.Get(payload.Task)
	if !ok {
		return failedResult(fmt.Errorf("no task named %q", payload.Task), ErrorTypeTaskUnknown)
	}

	args, err := payload.DecodeArgs()
	if err != nil {
		return failedResult(err, ErrorTypePayload)
	}

	workDir, err := os.MkdirTemp(e.workRoot, job.ID+"-")
	if err != nil {
		return failedResult(err, ErrorTypeWorker)
	}
	defer os.RemoveAll(workDir)

	env := &TaskEnv{
		JobID:   job.ID,
		Device:  e.device,
		WorkDir: workDir,
	}
	if e.emit != nil {
		env.Emit = func(val EncodedValue) { e.emit(job.ID, val) }
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(payload.TimeoutSec)*time.Second)
	defer cancel()

	clog.V(common.DEBUG).Infof(ctx, "Starting task task=%s device=%s timeout=%ds",
		payload.Task, e.device, payload.TimeoutSec)

	ret := make(chan taskReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ret <- taskReturn{err: &JobError{
					Message:   fmt.Sprint(r),
					Type:      ErrorTypePanic,
					Traceback: string(debug.Stack()),
				}}
			}
		}()
		out, err := fn(runCtx, env, args)
		ret <- taskReturn{out: out, err: err}
	}()

	var r taskReturn
	select {
	case r = <-ret:
	case <-runCtx.Done():
		// grace period for tasks that honor cancellation promptly
		select {
		case r = <-ret:
		case <-time.After(2 * time.Second):
			r = taskReturn{err: runCtx.Err()}
		}
	}

	if r.err != nil {
		clog.InfofErr(ctx, "Task failed task=%s", payload.Task, r.err)
		return failedResult(r.err, "")
	}

	output, err := SerializeResult(payload, r.out)
	if err != nil {
		return failedResult(fmt.Errorf("serializing result: %w", err), ErrorTypePayload)
	}
	return &JobResult{
		Output:    output,
		Artifacts: collectArtifacts(ctx, workDir),
	}
}

// failedResult wraps err as a job failure. An empty errType is derived
// from the error itself.
func failedResult(err error, errType string) *JobResult {
	var jerr *JobError
	if errors.As(err, &jerr) {
		return &JobResult{Error: jerr}
	}
	if errType == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			errType = ErrorTypeTimeout
		case errors.Is(err, context.Canceled):
			errType = ErrorTypeCancelled
		default:
			errType = "TaskError"
		}
	}
	return &JobResult{Error: &JobError{Message: err.Error(), Type: errType}}
}

// collectArtifacts gathers regular files the task left in its work dir.
// Oversized files are dropped.
func collectArtifacts(ctx context.Context, dir string) map[string][]byte {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return nil
	}
	files := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > int64(common.MaxArtifactSize) {
			clog.Warningf(ctx, "Dropping oversized artifact name=%s size=%d", entry.Name(), info.Size())
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			clog.Errorf(ctx, "Could not read artifact name=%s err=%q", entry.Name(), err)
			continue
		}
		files[entry.Name()] = data
	}
	if len(files) == 0 {
		return nil
	}
	return files
}
