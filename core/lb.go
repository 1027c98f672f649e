package core

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
)

var ErrExecutorBusy = errors.New("ExecutorBusy")
var ErrExecutorStopped = errors.New("ExecutorStopped")

// executorIdleTimeout is how long an idle device session lingers before
// its resources are released.
var executorIdleTimeout = 1 * time.Minute

// maxSessionQueue is how many jobs may wait on a session while one
// executes; beyond that submissions fail with ErrExecutorBusy.
const maxSessionQueue = 1

type ExecutorSession interface {
	Executor
	Stop()
}

type newExecutorFn func(device string) ExecutorSession

// LoadBalancingExecutor spreads jobs over a set of devices. Sessions
// are keyed by runtime so repeat jobs land on the device that is
// already warm, and each session runs one job at a time.
type LoadBalancingExecutor struct {
	devices []string
	newExec newExecutorFn

	// The following fields need to be protected by the mutex `mu`
	mu       *sync.RWMutex
	load     map[string]int
	sessions map[string]*executorSession
	idx      int // Ensures a non-tapered work distribution
}

func NewLoadBalancingExecutor(devices []string, newExec newExecutorFn) *LoadBalancingExecutor {
	return &LoadBalancingExecutor{
		devices:  devices,
		newExec:  newExec,
		mu:       &sync.RWMutex{},
		load:     make(map[string]int),
		sessions: make(map[string]*executorSession),
	}
}

func (lb *LoadBalancingExecutor) Exec(ctx context.Context, job *Job) (*JobResult, error) {
	lb.mu.RLock()
	session, exists := lb.sessions[job.Runtime]
	lb.mu.RUnlock()
	if exists {
		clog.V(common.DEBUG).Infof(ctx, "LB: Using existing session for key=%s", session.key)
	} else {
		var err error
		session, err = lb.createSession(clog.Clone(context.Background(), ctx), job)
		if err != nil {
			return nil, err
		}
	}
	return session.Exec(ctx, job)
}

// EndSession tears down the session for a runtime, if one is live.
func (lb *LoadBalancingExecutor) EndSession(runtime string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if session, exists := lb.sessions[runtime]; exists {
		// delete session here to avoid the race with a new job arriving
		delete(lb.sessions, runtime)
		// signal the exec loop to finish for this session
		close(session.stop)
		clog.V(common.DEBUG).Infof(context.TODO(), "LB: Session key=%s teared down", session.key)
	} else {
		clog.V(common.DEBUG).Infof(context.TODO(), "LB: Session runtime=%s already finished", runtime)
	}
}

// StopAll ends every live session. Used on shutdown.
func (lb *LoadBalancingExecutor) StopAll() {
	lb.mu.RLock()
	runtimes := make([]string, 0, len(lb.sessions))
	for runtime := range lb.sessions {
		runtimes = append(runtimes, runtime)
	}
	lb.mu.RUnlock()
	for _, runtime := range runtimes {
		lb.EndSession(runtime)
	}
}

func (lb *LoadBalancingExecutor) createSession(ctx context.Context, job *Job) (*executorSession, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	runtime := job.Runtime
	if session, exists := lb.sessions[runtime]; exists {
		clog.V(common.DEBUG).Infof(ctx, "Attempted to create session but already exists key=%s", session.key)
		return session, nil
	}

	clog.V(common.DEBUG).Infof(ctx, "LB: Creating session for runtime=%s", runtime)
	device := lb.leastLoaded()

	// Acquire device session. Map to runtime + assigned device
	key := runtime + "_" + device
	costEstimate := sessionCost(job)

	session := &executorSession{
		executor:    lb.newExec(device),
		key:         key,
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		sender:      make(chan *execParams, maxSessionQueue),
		makeContext: executorLoopContext,
	}
	lb.sessions[runtime] = session
	lb.load[device] += costEstimate
	lb.idx = (lb.idx + 1) % len(lb.devices)

	// Local cleanup function
	cleanupSession := func() {
		lb.mu.Lock()
		defer lb.mu.Unlock()
		_, exists := lb.sessions[runtime]
		if exists {
			delete(lb.sessions, runtime)
		}
		lb.load[device] -= costEstimate
		clog.V(common.DEBUG).Infof(ctx, "LB: Deleted session for key=%s", session.key)
	}

	go func() {
		session.loop(ctx)
		cleanupSession()
	}()

	clog.V(common.DEBUG).Infof(ctx, "LB: Created session for key=%s", session.key)
	return session, nil
}

// Find the lowest loaded device.
// Expects the mutex `lb.mu` to be locked by the caller.
func (lb *LoadBalancingExecutor) leastLoaded() string {
	min, idx := math.MaxInt64, 0
	for i := 0; i < len(lb.devices); i++ {
		k := (i + lb.idx) % len(lb.devices)
		if lb.load[lb.devices[k]] < min {
			min = lb.load[lb.devices[k]]
			idx = k
		}
	}
	return lb.devices[idx]
}

// sessionCost weighs a job by its requested execution budget so long
// running runtimes do not pile onto one device.
func sessionCost(job *Job) int {
	if job.Payload == nil || job.Payload.TimeoutSec <= 0 {
		return DefaultJobTimeoutSec
	}
	return job.Payload.TimeoutSec
}

func executorLoopContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), executorIdleTimeout)
}

type execParams struct {
	ctx context.Context
	job *Job
	res chan struct {
		*JobResult
		error
	}
}

type executorSession struct {
	executor ExecutorSession
	key      string

	sender chan *execParams
	// channel to signal senders that the exec loop has exited
	done chan struct{}
	// channel to signal the exec loop to stop; done is not used when idle
	stop        chan struct{}
	makeContext func() (context.Context, context.CancelFunc)
}

func (sess *executorSession) loop(logCtx context.Context) {
	defer func() {
		sess.executor.Stop()
		// Close the done channel to signal the sender(s) that the
		// exec loop has stopped
		close(sess.done)
	}()

	// Run everything on a single loop so device teardown cannot race
	// with an in-flight job
	for {
		ctx, cancel := sess.makeContext()
		select {
		case <-sess.stop:
			cancel()
			clog.V(common.DEBUG).Infof(logCtx, "LB: Exec loop stopped for key=%s", sess.key)
			return
		case <-ctx.Done():
			cancel()
			// Terminate the session after a period of inactivity
			clog.V(common.DEBUG).Infof(logCtx, "LB: Exec loop timed out for key=%s", sess.key)
			return
		case params := <-sess.sender:
			cancel()
			res, err := sess.executor.Exec(params.ctx, params.job)
			params.res <- struct {
				*JobResult
				error
			}{res, err}
			if err != nil {
				clog.V(common.DEBUG).Infof(logCtx, "LB: Stopping executor due to error for key=%s", sess.key)
				return
			}
		}
	}
}

func (sess *executorSession) Exec(ctx context.Context, job *Job) (*JobResult, error) {
	params := &execParams{
		job: job,
		ctx: ctx,
		res: make(chan struct {
			*JobResult
			error
		})}
	select {
	case sess.sender <- params:
		clog.V(common.DEBUG).Infof(ctx, "LB: Job submitted for key=%s", sess.key)
	default:
		clog.V(common.DEBUG).Infof(ctx, "LB: Executor was busy; exiting key=%s", sess.key)
		return nil, ErrExecutorBusy
	}
	select {
	case res := <-params.res:
		return res.JobResult, res.error
	case <-sess.done:
		return nil, ErrExecutorStopped
	}
}
