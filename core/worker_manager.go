package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/monitor"
)

var ErrNoWorkersAvailable = errors.New("no workers available")
var ErrNoCapacity = errors.New("no worker capacity")
var ErrRemoteWorkerTimeout = errors.New("remote worker took too long")
var ErrWorkerDisconnected = errors.New("worker disconnected")
var ErrUnknownWorker = errors.New("worker is not registered")

var (
	// workerKeepalive is how long a worker may go silent before it is
	// evicted and its jobs are rescheduled.
	workerKeepalive = 45 * time.Second
	// workerCheckInterval is how often liveness is evaluated.
	workerCheckInterval = 5 * time.Second
	// remoteWorkerGrace pads a job's execution budget to cover queueing
	// and transfer time before the dispatcher gives up on a worker.
	remoteWorkerGrace = 2 * time.Minute
)

// RemoteWorkerFatalError wraps an error that breaks a worker, so the
// dispatcher can tell rescheduling errors apart from job failures.
type RemoteWorkerFatalError struct {
	error
}

// NewRemoteWorkerFatalError creates new RemoteWorkerFatalError
// wrapping the given error.
func NewRemoteWorkerFatalError(err error) error {
	return RemoteWorkerFatalError{err}
}

type RemoteWorkerResult struct {
	Result *JobResult
	Err    error
}

type WorkerChan chan *RemoteWorkerResult

// WorkerJob is a job handed to a polling worker together with the task
// ID its result must be posted back under.
type WorkerJob struct {
	Job    *Job
	TaskID int64
}

// RemoteWorker is the orchestrator-side view of one connected worker.
type RemoteWorker struct {
	manager  *RemoteWorkerManager
	workerID string
	addr     string
	version  string
	gpus     []string

	capacity  int
	keepalive time.Duration
	jobCh     chan *WorkerJob
	eof       chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
	inFlight map[int64]*WorkerJob
}

func NewRemoteWorker(m *RemoteWorkerManager, workerID, addr, version string, capacity int, gpus []string) *RemoteWorker {
	if capacity <= 0 {
		capacity = 1
	}
	return &RemoteWorker{
		manager:   m,
		workerID:  workerID,
		addr:      addr,
		version:   version,
		gpus:      gpus,
		capacity:  capacity,
		keepalive: workerKeepalive,
		jobCh:     make(chan *WorkerJob, capacity),
		eof:       make(chan struct{}, 1),
		lastSeen:  time.Now(),
		inFlight:  make(map[int64]*WorkerJob),
	}
}

// done signals eviction. Safe to call more than once.
func (w *RemoteWorker) done() {
	// select so done() can be called multiple times
	select {
	case w.eof <- struct{}{}:
	default:
	}
}

func (w *RemoteWorker) touch() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

func (w *RemoteWorker) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastSeen) > w.keepalive
}

// load counts assigned plus queued jobs.
func (w *RemoteWorker) load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight) + len(w.jobCh)
}

func (w *RemoteWorker) addInFlight(wj *WorkerJob) {
	w.mu.Lock()
	w.inFlight[wj.TaskID] = wj
	w.mu.Unlock()
}

func (w *RemoteWorker) removeInFlight(taskID int64) *WorkerJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	wj := w.inFlight[taskID]
	delete(w.inFlight, taskID)
	return wj
}

// enqueue hands a job to this worker's personal queue.
func (w *RemoteWorker) enqueue(wj *WorkerJob) error {
	select {
	case w.jobCh <- wj:
		return nil
	default:
		return ErrNoCapacity
	}
}

// orphans drains everything the worker still owed: queued jobs plus
// whatever was in flight.
func (w *RemoteWorker) orphans() []*WorkerJob {
	var out []*WorkerJob
	for {
		select {
		case wj := <-w.jobCh:
			out = append(out, wj)
			continue
		default:
		}
		break
	}
	w.mu.Lock()
	for _, wj := range w.inFlight {
		out = append(out, wj)
	}
	w.inFlight = make(map[int64]*WorkerJob)
	w.mu.Unlock()
	return out
}

// WorkerInfo is a point-in-time snapshot for status surfaces.
type WorkerInfo struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Version  string    `json:"version"`
	Capacity int       `json:"capacity"`
	InFlight int       `json:"inFlight"`
	GPUs     []string  `json:"gpus,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

type assignment struct {
	taskID   int64
	workerID string
}

// RemoteWorkerManager schedules jobs onto connected workers. Workers
// announce themselves over ping, pull jobs with long-polled take
// requests and post results back under a task ID.
type RemoteWorkerManager struct {
	remoteWorkers []*RemoteWorker
	liveWorkers   map[string]*RemoteWorker
	// runtime -> workerID of the worker that ran it last, so repeat
	// runtimes land where the container is already warm
	runtimeAffinity map[string]string
	workersMu       sync.Mutex

	taskMutex *sync.RWMutex
	taskChans map[int64]WorkerChan
	taskCount int64

	assignMu        sync.Mutex
	assigned        map[string]*assignment
	tasks           map[int64]string
	cancelledPickup map[string]bool
	cancels         map[string][]string
}

func NewRemoteWorkerManager() *RemoteWorkerManager {
	return &RemoteWorkerManager{
		remoteWorkers:   []*RemoteWorker{},
		liveWorkers:     map[string]*RemoteWorker{},
		runtimeAffinity: map[string]string{},

		taskMutex: &sync.RWMutex{},
		taskChans: make(map[int64]WorkerChan),

		assigned:        make(map[string]*assignment),
		tasks:           make(map[int64]string),
		cancelledPickup: make(map[string]bool),
		cancels:         make(map[string][]string),
	}
}

// RegisterWorker adds a worker and starts managing its lifetime. A
// re-registration under a live ID is a no-op.
func (m *RemoteWorkerManager) RegisterWorker(ctx context.Context, workerID, addr, version string, capacity int, gpus []string) bool {
	m.workersMu.Lock()
	if _, ok := m.liveWorkers[workerID]; ok {
		m.workersMu.Unlock()
		return false
	}
	worker := NewRemoteWorker(m, workerID, addr, version, capacity, gpus)
	m.liveWorkers[workerID] = worker
	m.remoteWorkers = append(m.remoteWorkers, worker)
	m.workersMu.Unlock()

	clog.Infof(ctx, "Registered worker addr=%s version=%s capacity=%d gpus=%d",
		addr, version, capacity, len(gpus))
	if monitor.Enabled {
		monitor.WorkersConnected(m.RegisteredWorkerCount())
		monitor.MaxCapacity(m.TotalCapacity())
	}
	monitor.SendJobEventAsync(monitor.EventWorkerConnected, monitor.WorkerEvent{
		WorkerID: workerID, Addr: addr, Version: version, Capacity: worker.capacity,
	})
	go m.Manage(worker)
	return true
}

// Manage blocks until the worker goes silent, then tears it down and
// reschedules anything it still owed.
func (m *RemoteWorkerManager) Manage(worker *RemoteWorker) {
	quit := make(chan struct{})
	defer close(quit)
	interval := workerCheckInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if worker.expired() {
					worker.done()
					return
				}
			}
		}
	}()

	<-worker.eof
	ctx := clog.AddWorkerID(context.Background(), worker.workerID)
	clog.Infof(ctx, "Worker left us addr=%s", worker.addr)

	m.workersMu.Lock()
	delete(m.liveWorkers, worker.workerID)
	for runtime, wid := range m.runtimeAffinity {
		if wid == worker.workerID {
			delete(m.runtimeAffinity, runtime)
		}
	}
	m.workersMu.Unlock()

	if monitor.Enabled {
		monitor.WorkerEvicted()
		monitor.WorkersConnected(m.RegisteredWorkerCount())
		monitor.MaxCapacity(m.TotalCapacity())
	}
	monitor.SendJobEventAsync(monitor.EventWorkerEvicted, monitor.WorkerEvent{
		WorkerID: worker.workerID, Addr: worker.addr,
	})

	for _, wj := range worker.orphans() {
		m.assignMu.Lock()
		if a, ok := m.assigned[wj.Job.ID]; ok && a.workerID == worker.workerID {
			a.workerID = ""
		}
		delete(m.cancelledPickup, wj.Job.ID)
		m.assignMu.Unlock()
		if ch, err := m.getTaskChan(wj.TaskID); err == nil {
			res := &RemoteWorkerResult{Err: NewRemoteWorkerFatalError(ErrWorkerDisconnected)}
			select {
			case ch <- res:
			default:
			}
		}
	}
}

// EvictWorker forces a worker out, as if its keepalive had lapsed.
func (m *RemoteWorkerManager) EvictWorker(workerID string) {
	m.workersMu.Lock()
	worker, ok := m.liveWorkers[workerID]
	m.workersMu.Unlock()
	if ok {
		worker.done()
	}
}

// Ping refreshes a worker's liveness and returns the IDs of jobs the
// worker should abort. Unknown workers are told to register.
func (m *RemoteWorkerManager) Ping(workerID string) ([]string, error) {
	m.workersMu.Lock()
	worker, ok := m.liveWorkers[workerID]
	m.workersMu.Unlock()
	if !ok {
		return nil, ErrUnknownWorker
	}
	worker.touch()

	m.assignMu.Lock()
	cancels := m.cancels[workerID]
	delete(m.cancels, workerID)
	m.assignMu.Unlock()
	return cancels, nil
}

// TakeJob blocks until a job is queued for the worker, the context
// expires, or the worker is evicted. A nil job means nothing arrived
// within the poll window.
func (m *RemoteWorkerManager) TakeJob(ctx context.Context, workerID string) (*WorkerJob, error) {
	m.workersMu.Lock()
	worker, ok := m.liveWorkers[workerID]
	m.workersMu.Unlock()
	if !ok {
		return nil, ErrUnknownWorker
	}
	worker.touch()

	for {
		select {
		case wj := <-worker.jobCh:
			if m.consumePickupCancel(wj.Job.ID) {
				// cancelled while queued; look for the next one
				continue
			}
			worker.addInFlight(wj)
			m.assignMu.Lock()
			if a, ok := m.assigned[wj.Job.ID]; ok {
				a.workerID = workerID
			}
			m.assignMu.Unlock()
			m.workersMu.Lock()
			m.runtimeAffinity[wj.Job.Runtime] = workerID
			m.workersMu.Unlock()
			worker.touch()
			return wj, nil
		case <-ctx.Done():
			return nil, nil
		case <-worker.eof:
			// propagate eviction so Manage still observes it
			worker.done()
			return nil, ErrWorkerDisconnected
		}
	}
}

// CompleteTask routes a worker's result to the dispatcher waiting on
// the task. Results for unknown tasks are dropped.
func (m *RemoteWorkerManager) CompleteTask(ctx context.Context, workerID string, taskID int64, res *RemoteWorkerResult) error {
	m.workersMu.Lock()
	worker, ok := m.liveWorkers[workerID]
	m.workersMu.Unlock()
	if ok {
		worker.touch()
		worker.removeInFlight(taskID)
	}

	ch, err := m.getTaskChan(taskID)
	if err != nil {
		clog.V(common.DEBUG).Infof(ctx, "Dropping result for finished task taskID=%d", taskID)
		return err
	}
	select {
	case ch <- res:
	default:
		clog.V(common.DEBUG).Infof(ctx, "Duplicate result for task taskID=%d", taskID)
	}
	return nil
}

// TouchWorker refreshes liveness on auxiliary traffic such as partial
// result uploads.
func (m *RemoteWorkerManager) TouchWorker(workerID string) {
	m.workersMu.Lock()
	worker, ok := m.liveWorkers[workerID]
	m.workersMu.Unlock()
	if ok {
		worker.touch()
	}
}

// JobForTask resolves the job a task ID belongs to.
func (m *RemoteWorkerManager) JobForTask(taskID int64) (string, bool) {
	m.assignMu.Lock()
	defer m.assignMu.Unlock()
	jobID, ok := m.tasks[taskID]
	return jobID, ok
}

/// Cancel marks a job for cancellation wherever it currently is: still
// queued for pickup, or already running on a worker. The dispatcher
// waiting on the job is unblocked with a cancelled result. Returns
// false when the job is not under management.
func (m *RemoteWorkerManager) Cancel(ctx context.Context, jobID string) bool {
	m.assignMu.Lock()
	a, ok := m.assigned[jobID]
	if !ok {
		m.assignMu.Unlock()
		return false
	}
	workerID := a.workerID
	if workerID == "" {
		m.cancelledPickup[jobID] = true
	} else {
		m.cancels[workerID] = append(m.cancels[workerID], jobID)
	}
	taskID := a.taskID
	m.assignMu.Unlock()

	if ch, err := m.getTaskChan(taskID); err == nil {
		res := &RemoteWorkerResult{Result: &JobResult{
			Error: &JobError{Message: "job cancelled", Type: ErrorTypeCancelled},
		}}
		select {
		case ch <- res:
		default:
		}
	}
	clog.Infof(ctx, "Cancel requested for remote job workerID=%s", workerID)
	return true
}

func (m *RemoteWorkerManager) consumePickupCancel(jobID string) bool {
	m.assignMu.Lock()
	defer m.assignMu.Unlock()
	if m.cancelledPickup[jobID] {
		delete(m.cancelledPickup, jobID)
		return true
	}
	return false
}

// Process dispatches one job to the worker pool and waits for its
// result. A job stranded by a dying worker is rescheduled once before
// the error is surfaced.
func (m *RemoteWorkerManager) Process(ctx context.Context, job *Job) (*JobResult, error) {
	taskID, taskChan := m.addTaskChan()
	defer m.removeTaskChan(taskID)
	m.registerAssignment(job.ID, taskID)
	defer m.clearAssignment(job.ID, taskID)

	wj := &WorkerJob{Job: job, TaskID: taskID}
	ctx = clog.AddTaskID(ctx, taskID)

	retried := false
	for {
		worker, err := m.selectWorker(ctx, job.Runtime)
		if err != nil {
			return nil, err
		}
		if err := worker.enqueue(wj); err != nil {
			// filled up between selection and enqueue
			clog.V(common.DEBUG).Infof(ctx, "Worker filled up, reselecting workerID=%s", worker.workerID)
			continue
		}
		clog.V(common.DEBUG).Infof(ctx, "Assigned job to worker workerID=%s load=%d cap=%d",
			worker.workerID, worker.load(), worker.capacity)

		res := m.waitForTask(ctx, job, taskChan)
		if res.Err != nil {
			if _, fatal := res.Err.(RemoteWorkerFatalError); fatal && !retried {
				clog.Infof(ctx, "Worker died mid-job, rescheduling workerID=%s", worker.workerID)
				retried = true
				if monitor.Enabled {
					monitor.JobRescheduled(1)
				}
				m.assignMu.Lock()
				if a, ok := m.assigned[job.ID]; ok {
					a.workerID = ""
				}
				m.assignMu.Unlock()
				continue
			}
			if errors.Is(res.Err, ErrRemoteWorkerTimeout) {
				// tell the worker to stop burning the device
				m.Cancel(ctx, job.ID)
			}
			return nil, res.Err
		}
		return res.Result, nil
	}
}

func (m *RemoteWorkerManager) waitForTask(ctx context.Context, job *Job, taskChan WorkerChan) *RemoteWorkerResult {
	budget := time.Duration(DefaultJobTimeoutSec) * time.Second
	if job.Payload != nil && job.Payload.TimeoutSec > 0 {
		budget = time.Duration(job.Payload.TimeoutSec) * time.Second
	}
	timeout := time.NewTimer(budget + remoteWorkerGrace)
	defer timeout.Stop()

	select {
	case res := <-taskChan:
		return res
	case <-ctx.Done():
		return &RemoteWorkerResult{Err: ctx.Err()}
	case <-timeout.C:
		return &RemoteWorkerResult{Err: ErrRemoteWorkerTimeout}
	}
}

// selectWorker picks the least loaded live worker with free capacity,
// preferring the one already warm for the runtime. Callers get
// ErrNoWorkersAvailable when nobody is connected and ErrNoCapacity
// when everybody is full.
func (m *RemoteWorkerManager) selectWorker(ctx context.Context, runtime string) (*RemoteWorker, error) {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	if affID, ok := m.runtimeAffinity[runtime]; ok {
		if worker, live := m.liveWorkers[affID]; live && worker.load() < worker.capacity {
			clog.V(common.DEBUG).Infof(ctx, "Using warm worker for runtime workerID=%s", affID)
			return worker, nil
		}
	}

	checkWorkers := func(m *RemoteWorkerManager) bool {
		return len(m.remoteWorkers) > 0
	}

	for checkWorkers(m) {
		worker := m.leastLoadedWorker()
		if worker == nil {
			break
		}
		if _, ok := m.liveWorkers[worker.workerID]; !ok {
			m.removeFromRemoteWorkers(worker)
			continue
		}
		if worker.load() >= worker.capacity {
			// the least loaded worker is full, so everybody is
			return nil, ErrNoCapacity
		}
		return worker, nil
	}
	return nil, ErrNoWorkersAvailable
}

// Expects the mutex `m.workersMu` to be locked by the caller.
func (m *RemoteWorkerManager) leastLoadedWorker() *RemoteWorker {
	var selected *RemoteWorker
	min := -1
	for _, worker := range m.remoteWorkers {
		load := worker.load()
		if min < 0 || load < min {
			min = load
			selected = worker
		}
	}
	return selected
}

// remove worker from the list of remote workers.
// Expects the mutex `m.workersMu` to be locked by the caller.
func (m *RemoteWorkerManager) removeFromRemoteWorkers(worker *RemoteWorker) {
	if len(m.remoteWorkers) == 0 {
		// list is empty
		return
	}
	newRemoteWs := make([]*RemoteWorker, 0)
	for _, w := range m.remoteWorkers {
		if w.workerID != worker.workerID {
			newRemoteWs = append(newRemoteWs, w)
		}
	}
	m.remoteWorkers = newRemoteWs
}

// RegisteredWorkerCount reports how many workers are currently live.
func (m *RemoteWorkerManager) RegisteredWorkerCount() int {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	return len(m.liveWorkers)
}

// TotalCapacity sums the capacity of every live worker.
func (m *RemoteWorkerManager) TotalCapacity() int {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	total := 0
	for _, w := range m.liveWorkers {
		total += w.capacity
	}
	return total
}

// Workers returns a snapshot of the live pool for status surfaces.
func (m *RemoteWorkerManager) Workers() []WorkerInfo {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	infos := make([]WorkerInfo, 0, len(m.liveWorkers))
	for _, w := range m.liveWorkers {
		w.mu.Lock()
		infos = append(infos, WorkerInfo{
			ID:       w.workerID,
			Addr:     w.addr,
			Version:  w.version,
			Capacity: w.capacity,
			InFlight: len(w.inFlight) + len(w.jobCh),
			GPUs:     w.gpus,
			LastSeen: w.lastSeen,
		})
		w.mu.Unlock()
	}
	return infos
}

func (m *RemoteWorkerManager) registerAssignment(jobID string, taskID int64) {
	m.assignMu.Lock()
	m.assigned[jobID] = &assignment{taskID: taskID}
	m.tasks[taskID] = jobID
	m.assignMu.Unlock()
}

// clearAssignment drops the routing entries for a finished job. The
// cancelledPickup marker is left alone: it is consumed by whichever
// worker eventually drains the queued job.
func (m *RemoteWorkerManager) clearAssignment(jobID string, taskID int64) {
	m.assignMu.Lock()
	delete(m.assigned, jobID)
	delete(m.tasks, taskID)
	m.assignMu.Unlock()
}

func (m *RemoteWorkerManager) addTaskChan() (int64, WorkerChan) {
	m.taskMutex.Lock()
	defer m.taskMutex.Unlock()
	taskID := m.taskCount
	m.taskCount++
	if tc, ok := m.taskChans[taskID]; ok {
		// should not happen
		return taskID, tc
	}
	m.taskChans[taskID] = make(WorkerChan, 1)
	return taskID, m.taskChans[taskID]
}

func (m *RemoteWorkerManager) getTaskChan(taskID int64) (WorkerChan, error) {
	m.taskMutex.RLock()
	defer m.taskMutex.RUnlock()
	if tc, ok := m.taskChans[taskID]; ok {
		return tc, nil
	}
	return nil, fmt.Errorf("no task channel for taskID=%d", taskID)
}

func (m *RemoteWorkerManager) removeTaskChan(taskID int64) {
	m.taskMutex.Lock()
	defer m.taskMutex.Unlock()
	if _, ok := m.taskChans[taskID]; !ok {
		// should not happen
		return
	}
	delete(m.taskChans, taskID)
}
