package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/beamgrid/go-beamgrid/common"
)

func registerStubWorker(m *RemoteWorkerManager, workerID string, capacity int) bool {
	return m.RegisterWorker(context.TODO(), workerID, "127.0.0.1:7933", "0.8.0", capacity, []string{"GPU-0"})
}

func takeWithin(t *testing.T, m *RemoteWorkerManager, workerID string, timeout time.Duration) *WorkerJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wj, err := m.TakeJob(ctx, workerID)
	require.NoError(t, err)
	return wj
}

func waitForWorkerCount(m *RemoteWorkerManager, n int) bool {
	for i := 0; i < 400; i++ {
		if m.RegisteredWorkerCount() == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// cleanupWorkers evicts everything at the end of a test so no manager
// goroutines linger into the next one.
func cleanupWorkers(t *testing.T, m *RemoteWorkerManager) {
	t.Helper()
	t.Cleanup(func() {
		for _, info := range m.Workers() {
			m.EvictWorker(info.ID)
		}
		waitForWorkerCount(m, 0)
	})
}

func TestRegisterWorker(t *testing.T) {
	defer goleak.VerifyNone(t, common.IgnoreRoutines()...)
	assert := assert.New(t)
	m := NewRemoteWorkerManager()

	assert.True(registerStubWorker(m, "worker-a", 2))
	assert.False(registerStubWorker(m, "worker-a", 2), "duplicate registration should be a no-op")
	assert.Equal(1, m.RegisteredWorkerCount())

	infos := m.Workers()
	require.Len(t, infos, 1)
	assert.Equal("worker-a", infos[0].ID)
	assert.Equal("0.8.0", infos[0].Version)
	assert.Equal(2, infos[0].Capacity)
	assert.Equal(0, infos[0].InFlight)
	assert.Equal([]string{"GPU-0"}, infos[0].GPUs)

	m.EvictWorker("worker-a")
	assert.True(waitForWorkerCount(m, 0), "worker was not evicted")

	// the ID is free again after eviction
	assert.True(registerStubWorker(m, "worker-a", 1))
	m.EvictWorker("worker-a")
	waitForWorkerCount(m, 0)
}

func TestTotalCapacity(t *testing.T) {
	m := NewRemoteWorkerManager()
	assert.Equal(t, 0, m.TotalCapacity())

	registerStubWorker(m, "worker-a", 2)
	registerStubWorker(m, "worker-b", 3)
	assert.Equal(t, 5, m.TotalCapacity())

	m.EvictWorker("worker-a")
	require.True(t, waitForWorkerCount(m, 1))
	assert.Equal(t, 3, m.TotalCapacity())

	m.EvictWorker("worker-b")
	waitForWorkerCount(m, 0)
}

func TestWorkerKeepaliveEviction(t *testing.T) {
	oldKeepalive, oldCheck := workerKeepalive, workerCheckInterval
	defer func() {
		workerKeepalive, workerCheckInterval = oldKeepalive, oldCheck
	}()
	workerKeepalive = 50 * time.Millisecond
	workerCheckInterval = 10 * time.Millisecond

	m := NewRemoteWorkerManager()
	registerStubWorker(m, "worker-a", 1)
	registerStubWorker(m, "worker-b", 1)

	// keep worker-b alive, let worker-a lapse
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				m.Ping("worker-b")
			}
		}
	}()

	assert.True(t, waitForWorkerCount(m, 1), "silent worker was not evicted")
	_, err := m.Ping("worker-a")
	assert.Equal(t, ErrUnknownWorker, err)
	_, err = m.Ping("worker-b")
	assert.NoError(t, err)

	// wind down before the keepalive knobs are restored
	m.EvictWorker("worker-b")
	require.True(t, waitForWorkerCount(m, 0))
}

func TestSelectWorker(t *testing.T) {
	assert := assert.New(t)
	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	ctx := context.TODO()

	_, err := m.selectWorker(ctx, "base")
	assert.Equal(ErrNoWorkersAvailable, err)

	registerStubWorker(m, "worker-a", 1)
	registerStubWorker(m, "worker-b", 1)

	w, err := m.selectWorker(ctx, "base")
	require.NoError(t, err)
	assert.Equal("worker-a", w.workerID)

	// load up worker-a, selection moves to worker-b
	require.NoError(t, w.enqueue(&WorkerJob{Job: stubJob("base", 1), TaskID: 1}))
	w, err = m.selectWorker(ctx, "base")
	require.NoError(t, err)
	assert.Equal("worker-b", w.workerID)

	// everybody full
	require.NoError(t, w.enqueue(&WorkerJob{Job: stubJob("base", 1), TaskID: 2}))
	_, err = m.selectWorker(ctx, "base")
	assert.Equal(ErrNoCapacity, err)
}

func TestSelectWorkerRuntimeAffinity(t *testing.T) {
	assert := assert.New(t)
	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	registerStubWorker(m, "worker-a", 2)
	registerStubWorker(m, "worker-b", 2)

	// simulate a pickup recording affinity
	m.workersMu.Lock()
	m.runtimeAffinity["pytorch"] = "worker-b"
	m.workersMu.Unlock()

	w, err := m.selectWorker(context.TODO(), "pytorch")
	require.NoError(t, err)
	assert.Equal("worker-b", w.workerID)

	// other runtimes still follow load
	w, err = m.selectWorker(context.TODO(), "cuda")
	require.NoError(t, err)
	assert.Equal("worker-a", w.workerID)

	// affinity to a dead worker is ignored
	m.EvictWorker("worker-b")
	require.True(t, waitForWorkerCount(m, 1))
	w, err = m.selectWorker(context.TODO(), "pytorch")
	require.NoError(t, err)
	assert.Equal("worker-a", w.workerID)
}

func TestProcessJob(t *testing.T) {
	assert := assert.New(t)
	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	registerStubWorker(m, "worker-a", 1)

	type processOut struct {
		res *JobResult
		err error
	}
	out := make(chan processOut, 1)
	job := stubJob("pytorch", 1)
	go func() {
		res, err := m.Process(context.Background(), job)
		out <- processOut{res, err}
	}()

	wj := takeWithin(t, m, "worker-a", time.Second)
	require.NotNil(t, wj)
	assert.Equal(job.ID, wj.Job.ID)

	jobID, ok := m.JobForTask(wj.TaskID)
	assert.True(ok)
	assert.Equal(job.ID, jobID)

	result := &JobResult{Output: &EncodedValue{Codec: CodecJSON, Data: "dHJ1ZQ=="}}
	require.NoError(t, m.CompleteTask(context.TODO(), "worker-a", wj.TaskID, &RemoteWorkerResult{Result: result}))

	select {
	case o := <-out:
		require.NoError(t, o.err)
		assert.Equal(result, o.res)
	case <-time.After(time.Second):
		t.Fatal("Process did not return")
	}

	// routing state is gone once the job settles
	_, ok = m.JobForTask(wj.TaskID)
	assert.False(ok)
}

func TestProcessNoWorkers(t *testing.T) {
	m := NewRemoteWorkerManager()
	_, err := m.Process(context.Background(), stubJob("base", 1))
	assert.Equal(t, ErrNoWorkersAvailable, err)
}

func TestProcessNoCapacity(t *testing.T) {
	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	registerStubWorker(m, "worker-a", 1)

	// first job parks in the worker queue without being taken
	go m.Process(context.Background(), stubJob("base", 1))
	ok := false
	for i := 0; i < 200; i++ {
		if infos := m.Workers(); len(infos) == 1 && infos[0].InFlight == 1 {
			ok = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, ok, "first job never queued")

	_, err := m.Process(context.Background(), stubJob("base", 1))
	assert.Equal(t, ErrNoCapacity, err)
}

func TestProcessTimeout(t *testing.T) {
	oldGrace := remoteWorkerGrace
	defer func() { remoteWorkerGrace = oldGrace }()
	remoteWorkerGrace = 50 * time.Millisecond

	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	registerStubWorker(m, "worker-a", 1)

	errCh := make(chan error, 1)
	job := stubJob("base", 1)
	go func() {
		_, err := m.Process(context.Background(), job)
		errCh <- err
	}()

	// take the job but never post a result
	wj := takeWithin(t, m, "worker-a", time.Second)
	require.NotNil(t, wj)

	select {
	case err := <-errCh:
		assert.Equal(t, ErrRemoteWorkerTimeout, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not time out")
	}

	// the worker is told to abort on its next ping
	cancels, err := m.Ping("worker-a")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, cancels)
	cancels, err = m.Ping("worker-a")
	require.NoError(t, err)
	assert.Empty(t, cancels)
}

func TestProcessReschedulesOnWorkerDeath(t *testing.T) {
	assert := assert.New(t)
	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	registerStubWorker(m, "worker-a", 1)
	registerStubWorker(m, "worker-b", 1)

	type processOut struct {
		res *JobResult
		err error
	}
	out := make(chan processOut, 1)
	job := stubJob("pytorch", 1)
	go func() {
		res, err := m.Process(context.Background(), job)
		out <- processOut{res, err}
	}()

	// worker-a picks it up and dies mid-job
	wj := takeWithin(t, m, "worker-a", time.Second)
	require.NotNil(t, wj)
	m.EvictWorker("worker-a")
	require.True(t, waitForWorkerCount(m, 1))

	// the job lands on worker-b with the same task ID
	wj2 := takeWithin(t, m, "worker-b", time.Second)
	require.NotNil(t, wj2)
	assert.Equal(wj.TaskID, wj2.TaskID)
	assert.Equal(job.ID, wj2.Job.ID)

	result := &JobResult{Output: &EncodedValue{Codec: CodecJSON, Data: "ImRvbmUi"}}
	require.NoError(t, m.CompleteTask(context.TODO(), "worker-b", wj2.TaskID, &RemoteWorkerResult{Result: result}))

	select {
	case o := <-out:
		require.NoError(t, o.err)
		assert.Equal(result, o.res)
	case <-time.After(time.Second):
		t.Fatal("Process did not return")
	}
}

func TestProcessWorkerDeathWithoutSpare(t *testing.T) {
	m := NewRemoteWorkerManager()
	registerStubWorker(m, "worker-a", 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Process(context.Background(), stubJob("base", 1))
		errCh <- err
	}()

	wj := takeWithin(t, m, "worker-a", time.Second)
	require.NotNil(t, wj)
	m.EvictWorker("worker-a")

	select {
	case err := <-errCh:
		assert.Equal(t, ErrNoWorkersAvailable, err)
	case <-time.After(time.Second):
		t.Fatal("Process did not return")
	}
}

func TestCancelQueuedJob(t *testing.T) {
	assert := assert.New(t)
	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	registerStubWorker(m, "worker-a", 1)

	type processOut struct {
		res *JobResult
		err error
	}
	out := make(chan processOut, 1)
	job := stubJob("base", 1)
	go func() {
		res, err := m.Process(context.Background(), job)
		out <- processOut{res, err}
	}()

	// wait for the job to be queued, then cancel before pickup
	ok := false
	for i := 0; i < 200; i++ {
		if infos := m.Workers(); len(infos) == 1 && infos[0].InFlight == 1 {
			ok = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, ok)
	assert.True(m.Cancel(context.TODO(), job.ID))

	select {
	case o := <-out:
		require.NoError(t, o.err)
		require.NotNil(t, o.res.Error)
		assert.Equal(ErrorTypeCancelled, o.res.Error.Type)
	case <-time.After(time.Second):
		t.Fatal("Process did not return")
	}

	// pickup skips the cancelled job
	wj := takeWithin(t, m, "worker-a", 100*time.Millisecond)
	assert.Nil(wj)

	// cancelling an unmanaged job reports false
	assert.False(m.Cancel(context.TODO(), "job-unknown"))
}

func TestCancelInFlightJob(t *testing.T) {
	assert := assert.New(t)
	m := NewRemoteWorkerManager()
	cleanupWorkers(t, m)
	registerStubWorker(m, "worker-a", 1)

	out := make(chan *JobResult, 1)
	job := stubJob("base", 1)
	go func() {
		res, _ := m.Process(context.Background(), job)
		out <- res
	}()

	wj := takeWithin(t, m, "worker-a", time.Second)
	require.NotNil(t, wj)

	assert.True(m.Cancel(context.TODO(), job.ID))
	select {
	case res := <-out:
		require.NotNil(t, res.Error)
		assert.Equal(ErrorTypeCancelled, res.Error.Type)
	case <-time.After(time.Second):
		t.Fatal("Process did not return")
	}

	cancels, err := m.Ping("worker-a")
	require.NoError(t, err)
	assert.Equal([]string{job.ID}, cancels)
}

func TestTakeJobUnknownWorker(t *testing.T) {
	m := NewRemoteWorkerManager()
	_, err := m.TakeJob(context.Background(), "worker-zzz")
	assert.Equal(t, ErrUnknownWorker, err)
	_, err = m.Ping("worker-zzz")
	assert.Equal(t, ErrUnknownWorker, err)
}

func TestTaskChans(t *testing.T) {
	assert := assert.New(t)
	m := NewRemoteWorkerManager()

	id0, ch0 := m.addTaskChan()
	id1, ch1 := m.addTaskChan()
	assert.Equal(id0+1, id1)
	assert.NotNil(ch0)
	assert.NotNil(ch1)

	got, err := m.getTaskChan(id0)
	assert.NoError(err)
	assert.Equal(ch0, got)

	m.removeTaskChan(id0)
	_, err = m.getTaskChan(id0)
	assert.Error(err)
	// removing twice should not panic
	m.removeTaskChan(id0)

	err = m.CompleteTask(context.TODO(), "worker-a", id0, &RemoteWorkerResult{})
	assert.Error(err)
}

func newWg(delta int) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(delta)
	return &wg
}

func wgWait(wg *sync.WaitGroup) bool {
	c := make(chan struct{})
	go func() { defer close(c); wg.Wait() }()
	select {
	case <-c:
		return true
	case <-time.After(1 * time.Second):
		return false
	}
}

func wgWait2(wg *sync.WaitGroup, dur time.Duration) bool {
	c := make(chan struct{})
	go func() { defer close(c); wg.Wait() }()
	select {
	case <-c:
		return true
	case <-time.After(dur):
		return false
	}
}
