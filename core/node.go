/*
Core contains the main functionality of the BeamGrid node.
*/
package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/monitor"
)

var ErrBeamGridNode = errors.New("ErrBeamGridNode")
var ErrJobNotFound = errors.New("job not found")
var ErrQueueFull = errors.New("job queue is full")

var BeamGridVersion = "0.8.0"

// LocalWorkerID marks jobs executed in-process rather than on a
// remote worker.
const LocalWorkerID = "local"

var (
	// DefaultQueueSize bounds how many jobs may sit in queue.
	DefaultQueueSize = 1024
	// dispatchRetryDelay is how long a job waits before another
	// dispatch attempt when every worker is busy.
	dispatchRetryDelay = 2 * time.Second
	// jobRetention is how long terminal jobs stay queryable in memory.
	jobRetention = 30 * time.Minute
	// maxStoredPartials caps buffered partial outputs per job.
	maxStoredPartials = 100
)

type NodeType int

const (
	DefaultNode NodeType = iota
	OrchestratorNode
	WorkerNode
)

// BeamNode handles jobs coming into and out of a BeamGrid deployment.
// Orchestrators queue and dispatch; attached workers and the local
// executor do the running.
type BeamNode struct {
	NodeType   NodeType
	Database   *common.DB
	WorkDir    string
	OrchSecret string

	Registry      *Registry
	Executor      Executor
	WorkerManager *RemoteWorkerManager

	// OnJobDone is invoked with a snapshot of every job reaching a
	// terminal state. Set before Start.
	OnJobDone func(ctx context.Context, job Job)

	queue chan *Job

	jobMutex  *sync.RWMutex
	Jobs      map[string]*Job
	doneChs   map[string]chan struct{}
	cancelFns map[string]context.CancelFunc

	streamMutex *sync.Mutex
	partials    map[string][]EncodedValue
	streamSubs  map[string][]chan EncodedValue
}

// NewBeamNode creates a new BeamGrid node. Database can be nil.
func NewBeamNode(dbh *common.DB, workDir string) (*BeamNode, error) {
	return &BeamNode{
		Database:    dbh,
		WorkDir:     workDir,
		Registry:    DefaultRegistry,
		queue:       make(chan *Job, DefaultQueueSize),
		jobMutex:    &sync.RWMutex{},
		Jobs:        make(map[string]*Job),
		doneChs:     make(map[string]chan struct{}),
		cancelFns:   make(map[string]context.CancelFunc),
		streamMutex: &sync.Mutex{},
		partials:    make(map[string][]EncodedValue),
		streamSubs:  make(map[string][]chan EncodedValue),
	}, nil
}

// Start launches the dispatch loop and the retention janitor. They
// stop when ctx is cancelled.
func (n *BeamNode) Start(ctx context.Context) {
	go n.dispatchLoop(ctx)
	go n.janitorLoop(ctx)
}

// SubmitJob validates and queues a job. The returned job is a
// snapshot; track progress through GetJob or WaitForJob.
func (n *BeamNode) SubmitJob(ctx context.Context, input json.RawMessage, webhookURL string) (Job, error) {
	job, err := NewJob(input, webhookURL)
	if err != nil {
		return Job{}, err
	}

	n.jobMutex.Lock()
	n.Jobs[job.ID] = job
	n.doneChs[job.ID] = make(chan struct{})
	n.jobMutex.Unlock()

	select {
	case n.queue <- job:
	default:
		n.jobMutex.Lock()
		delete(n.Jobs, job.ID)
		delete(n.doneChs, job.ID)
		n.jobMutex.Unlock()
		return Job{}, ErrQueueFull
	}

	if monitor.Enabled {
		monitor.QueueLength(len(n.queue))
	}
	monitor.SendJobEventAsync(monitor.EventJobSubmitted, monitor.JobEvent{
		JobID: job.ID, Task: job.Task, Runtime: job.Runtime, Status: job.Status.String(),
	})

	if n.Database != nil {
		if err := n.Database.InsertJob(&common.DBJob{
			ID:      job.ID,
			Task:    job.Task,
			Runtime: job.Runtime,
			Input:   job.Input,
			Status:  job.Status.String(),
			Webhook: job.WebhookURL,
		}); err != nil {
			clog.Errorf(ctx, "Could not persist job err=%q", err)
		}
	}

	clog.Infof(clog.AddJobID(ctx, job.ID), "Queued job task=%s runtime=%s queueLen=%d",
		job.Task, job.Runtime, len(n.queue))
	return *job, nil
}

// GetJob returns a point-in-time copy of a job.
func (n *BeamNode) GetJob(id string) (Job, error) {
	n.jobMutex.RLock()
	defer n.jobMutex.RUnlock()
	job, ok := n.Jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// WaitForJob blocks until the job reaches a terminal state or ctx
// expires, and returns the final snapshot.
func (n *BeamNode) WaitForJob(ctx context.Context, id string) (Job, error) {
	n.jobMutex.RLock()
	done, ok := n.doneChs[id]
	n.jobMutex.RUnlock()
	if !ok {
		// already pruned or never existed; settle for what we have
		return n.GetJob(id)
	}
	select {
	case <-done:
		return n.GetJob(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// JobStatusCounts tallies in-memory jobs per status.
func (n *BeamNode) JobStatusCounts() map[string]int {
	n.jobMutex.RLock()
	defer n.jobMutex.RUnlock()
	counts := make(map[string]int)
	for _, job := range n.Jobs {
		counts[job.Status.String()]++
	}
	return counts
}

// CancelJob cancels a job wherever it is. Cancelling a terminal job is
// a no-op.
func (n *BeamNode) CancelJob(ctx context.Context, id string) error {
	n.jobMutex.Lock()
	job, ok := n.Jobs[id]
	if !ok {
		n.jobMutex.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		n.jobMutex.Unlock()
		return nil
	}
	job.Status = JobStatusCancelled
	job.CompletedAt = time.Now().UTC()
	cancelFn := n.cancelFns[id]
	n.signalDone(id)
	n.jobMutex.Unlock()

	ctx = clog.AddJobID(ctx, id)
	if cancelFn != nil {
		cancelFn()
	}
	if n.WorkerManager != nil {
		n.WorkerManager.Cancel(ctx, id)
	}
	if n.Database != nil {
		if err := n.Database.MarkJobCompleted(id, JobStatusCancelled.String(),
			nil, "job cancelled", ErrorTypeCancelled, 0, 0, 0, time.Now().UTC()); err != nil {
			clog.Errorf(ctx, "Could not persist cancel err=%q", err)
		}
	}
	n.closeStream(id)
	clog.Infof(ctx, "Cancelled job")
	n.notifyDone(ctx, id)
	return nil
}

// PurgeQueue cancels every queued job and reports how many were hit.
// Running jobs are left alone.
func (n *BeamNode) PurgeQueue(ctx context.Context) int {
	now := time.Now().UTC()
	var purged []string
	n.jobMutex.Lock()
	for id, job := range n.Jobs {
		if job.Status == JobStatusInQueue {
			job.Status = JobStatusCancelled
			job.CompletedAt = now
			n.signalDone(id)
			purged = append(purged, id)
		}
	}
	n.jobMutex.Unlock()

	if n.Database != nil {
		if _, err := n.Database.PurgeQueue(JobStatusInQueue.String(), JobStatusCancelled.String()); err != nil {
			clog.Errorf(ctx, "Could not persist queue purge err=%q", err)
		}
	}
	for _, id := range purged {
		n.closeStream(id)
		n.notifyDone(clog.AddJobID(ctx, id), id)
	}
	clog.Infof(ctx, "Purged queue removed=%d", len(purged))
	monitor.SendJobEventAsync(monitor.EventQueuePurged, monitor.QueueEvent{Purged: len(purged)})
	return len(purged)
}

// MarkJobRunning transitions a queued job to running under workerID.
// Returns false when the job was cancelled or finished in the
// meantime, in which case the caller must not run it.
func (n *BeamNode) MarkJobRunning(ctx context.Context, id, workerID string) bool {
	n.jobMutex.Lock()
	job, ok := n.Jobs[id]
	if !ok || job.Status != JobStatusInQueue {
		n.jobMutex.Unlock()
		return false
	}
	job.Status = JobStatusInProgress
	job.WorkerID = workerID
	job.StartedAt = time.Now().UTC()
	started := job.StartedAt
	task, runtimeName, createdAt := job.Task, job.Runtime, job.CreatedAt
	n.jobMutex.Unlock()

	if monitor.Enabled {
		monitor.JobStarted(started.Sub(createdAt))
	}
	monitor.SendJobEventAsync(monitor.EventJobStarted, monitor.JobEvent{
		JobID: id, Task: task, Runtime: runtimeName, Status: JobStatusInProgress.String(), WorkerID: workerID,
	})

	if n.Database != nil {
		if err := n.Database.MarkJobStarted(id, workerID, JobStatusInProgress.String(), started); err != nil {
			clog.Errorf(ctx, "Could not persist job start err=%q", err)
		}
	}
	return true
}

// CompleteJob records a job's result. Results arriving after the job
// reached a terminal state are dropped.
func (n *BeamNode) CompleteJob(ctx context.Context, id string, res *JobResult) error {
	status := JobStatusCompleted
	var errMessage, errType string
	if res.Error != nil {
		errMessage, errType = res.Error.Message, res.Error.Type
		switch res.Error.Type {
		case ErrorTypeTimeout:
			status = JobStatusTimedOut
		case ErrorTypeCancelled:
			status = JobStatusCancelled
		default:
			status = JobStatusFailed
		}
	}

	n.jobMutex.Lock()
	job, ok := n.Jobs[id]
	if !ok {
		n.jobMutex.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		n.jobMutex.Unlock()
		clog.V(common.DEBUG).Infof(ctx, "Dropping late result for settled job status=%s", job.Status)
		return nil
	}
	job.Status = status
	job.Result = res
	job.CompletedAt = time.Now().UTC()
	n.signalDone(id)
	n.jobMutex.Unlock()

	if n.Database != nil {
		var output []byte
		if res.Output != nil {
			if raw, err := json.Marshal(res.Output); err == nil {
				output = raw
			}
		}
		if err := n.Database.MarkJobCompleted(id, status.String(), output, errMessage, errType,
			int64(res.Stats.Duration*1000), int64(res.Stats.GPUMemory), int64(res.Stats.CPUMemory),
			time.Now().UTC()); err != nil {
			clog.Errorf(ctx, "Could not persist job result err=%q", err)
		}
	}
	n.closeStream(id)
	clog.Infof(ctx, "Job settled status=%s durationSec=%.3f", status, res.Stats.Duration)
	n.notifyDone(ctx, id)
	return nil
}

// RestoreJobs reloads state after a restart: running jobs are failed
// as interrupted and queued jobs go back into the dispatch queue.
func (n *BeamNode) RestoreJobs(ctx context.Context) error {
	if n.Database == nil {
		return nil
	}
	failed, err := n.Database.FailOrphanedJobs(JobStatusInProgress.String(), JobStatusFailed.String(),
		"node restarted", ErrorTypeInterrupted)
	if err != nil {
		return err
	}
	if failed > 0 {
		clog.Infof(ctx, "Failed orphaned jobs count=%d", failed)
	}

	queued, err := n.Database.JobsByStatus(JobStatusInQueue.String())
	if err != nil {
		return err
	}
	restored := 0
	for _, dbj := range queued {
		payload, err := ParsePayload(dbj.Input)
		if err != nil {
			clog.Errorf(ctx, "Dropping unparseable queued job jobID=%s err=%q", dbj.ID, err)
			n.Database.UpdateJobStatus(dbj.ID, JobStatusFailed.String())
			continue
		}
		job := &Job{
			ID:         dbj.ID,
			Task:       dbj.Task,
			Runtime:    dbj.Runtime,
			Input:      dbj.Input,
			Payload:    payload,
			Status:     JobStatusInQueue,
			WebhookURL: dbj.Webhook,
			CreatedAt:  parseDBTime(dbj.CreatedAt),
		}
		n.jobMutex.Lock()
		n.Jobs[job.ID] = job
		n.doneChs[job.ID] = make(chan struct{})
		n.jobMutex.Unlock()
		select {
		case n.queue <- job:
			restored++
		default:
			clog.Warningf(ctx, "Queue full while restoring jobID=%s", job.ID)
		}
	}
	if restored > 0 {
		clog.Infof(ctx, "Restored queued jobs count=%d", restored)
	}
	return nil
}

func parseDBTime(s string) time.Time {
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}

func (n *BeamNode) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-n.queue:
			if monitor.Enabled {
				monitor.QueueLength(len(n.queue))
			}
			n.jobMutex.RLock()
			queued := job.Status == JobStatusInQueue
			n.jobMutex.RUnlock()
			if !queued {
				continue
			}
			go n.dispatchJob(ctx, job)
		}
	}
}

func (n *BeamNode) dispatchJob(ctx context.Context, job *Job) {
	ctx = clog.AddRuntime(clog.AddJobID(ctx, job.ID), job.Runtime)

	var res *JobResult
	var err error
	switch {
	case n.WorkerManager != nil && n.WorkerManager.RegisteredWorkerCount() > 0:
		res, err = n.WorkerManager.Process(ctx, job)
	case n.Executor != nil:
		runCtx, cancel := context.WithCancel(ctx)
		n.jobMutex.Lock()
		n.cancelFns[job.ID] = cancel
		n.jobMutex.Unlock()
		if !n.MarkJobRunning(ctx, job.ID, LocalWorkerID) {
			n.jobMutex.Lock()
			delete(n.cancelFns, job.ID)
			n.jobMutex.Unlock()
			cancel()
			return
		}
		res, err = n.Executor.Exec(runCtx, job)
		cancel()
		n.jobMutex.Lock()
		delete(n.cancelFns, job.ID)
		n.jobMutex.Unlock()
	default:
		err = ErrNoWorkersAvailable
	}

	switch {
	case err == nil:
		n.CompleteJob(ctx, job.ID, res)
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrExecutorBusy), errors.Is(err, ErrNoWorkersAvailable):
		// busy or empty pool; jobs wait in queue until someone frees up
		n.requeueLater(ctx, job)
	case errors.Is(err, ErrRemoteWorkerTimeout):
		n.CompleteJob(ctx, job.ID, &JobResult{Error: &JobError{
			Message: "worker exceeded the execution budget", Type: ErrorTypeTimeout}})
	case errors.Is(err, context.Canceled):
		// settled through CancelJob already
	default:
		if _, fatal := err.(RemoteWorkerFatalError); fatal {
			n.CompleteJob(ctx, job.ID, &JobResult{Error: &JobError{
				Message: "worker died while running the job", Type: ErrorTypeInterrupted}})
			return
		}
		n.CompleteJob(ctx, job.ID, &JobResult{Error: &JobError{
			Message: err.Error(), Type: ErrorTypeWorker}})
	}
}

func (n *BeamNode) requeueLater(ctx context.Context, job *Job) {
	time.AfterFunc(dispatchRetryDelay, func() {
		n.jobMutex.RLock()
		queued := false
		if j, ok := n.Jobs[job.ID]; ok {
			queued = j.Status == JobStatusInQueue
		}
		n.jobMutex.RUnlock()
		if !queued {
			return
		}
		select {
		case n.queue <- job:
		case <-ctx.Done():
		}
	})
}

func (n *BeamNode) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.pruneJobs()
		}
	}
}

func (n *BeamNode) pruneJobs() {
	cutoff := time.Now().UTC().Add(-jobRetention)
	var pruned []string
	n.jobMutex.Lock()
	for id, job := range n.Jobs {
		if job.Status.Terminal() && !job.CompletedAt.IsZero() && job.CompletedAt.Before(cutoff) {
			delete(n.Jobs, id)
			delete(n.doneChs, id)
			delete(n.cancelFns, id)
			pruned = append(pruned, id)
		}
	}
	n.jobMutex.Unlock()

	n.streamMutex.Lock()
	for _, id := range pruned {
		delete(n.partials, id)
		delete(n.streamSubs, id)
	}
	n.streamMutex.Unlock()
}

// signalDone closes the job's done channel. Callers hold jobMutex.
func (n *BeamNode) signalDone(id string) {
	if done, ok := n.doneChs[id]; ok {
		close(done)
		delete(n.doneChs, id)
	}
}

func (n *BeamNode) notifyDone(ctx context.Context, id string) {
	if n.OnJobDone == nil {
		return
	}
	job, err := n.GetJob(id)
	if err != nil {
		return
	}
	go n.OnJobDone(clog.Clone(context.Background(), ctx), job)
}

// PublishPartial buffers a partial output and fans it out to stream
// subscribers. Slow subscribers miss updates rather than block the
// producer.
func (n *BeamNode) PublishPartial(jobID string, val EncodedValue) {
	n.streamMutex.Lock()
	defer n.streamMutex.Unlock()
	if len(n.partials[jobID]) < maxStoredPartials {
		n.partials[jobID] = append(n.partials[jobID], val)
	}
	for _, sub := range n.streamSubs[jobID] {
		select {
		case sub <- val:
		default:
		}
	}
}

// SubscribeStream attaches to a job's partial output stream. The
// returned replay holds everything published so far; the channel
// carries the rest and closes when the job settles. Always call the
// cancel func.
func (n *BeamNode) SubscribeStream(jobID string) (replay []EncodedValue, live <-chan EncodedValue, cancel func()) {
	ch := make(chan EncodedValue, 16)
	n.streamMutex.Lock()
	replay = append(replay, n.partials[jobID]...)
	n.streamSubs[jobID] = append(n.streamSubs[jobID], ch)
	n.streamMutex.Unlock()

	cancel = func() {
		n.streamMutex.Lock()
		subs := n.streamSubs[jobID]
		for i, sub := range subs {
			if sub == ch {
				n.streamSubs[jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		n.streamMutex.Unlock()
	}
	return replay, ch, cancel
}

// DropPartials discards a job's buffered partial output and closes any
// live subscriptions. Worker nodes call this after shipping a result;
// on orchestrators the janitor handles it.
func (n *BeamNode) DropPartials(jobID string) {
	n.streamMutex.Lock()
	for _, sub := range n.streamSubs[jobID] {
		close(sub)
	}
	delete(n.streamSubs, jobID)
	delete(n.partials, jobID)
	n.streamMutex.Unlock()
}

// closeStream ends every subscription for a settled job.
func (n *BeamNode) closeStream(jobID string) {
	n.streamMutex.Lock()
	for _, sub := range n.streamSubs[jobID] {
		close(sub)
	}
	delete(n.streamSubs, jobID)
	n.streamMutex.Unlock()
}
