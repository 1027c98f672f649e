package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamgrid/go-beamgrid/core"
	"github.com/beamgrid/go-beamgrid/monitor"
)

type apiStubExecutor struct {
	delay  time.Duration
	result *core.JobResult
	err    error
}

func (e *apiStubExecutor) Exec(ctx context.Context, job *core.Job) (*core.JobResult, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.result != nil {
		return e.result, nil
	}
	out, err := core.EncodeValue(core.CodecJSON, map[string]string{"ok": "yes"})
	if err != nil {
		return nil, err
	}
	return &core.JobResult{Output: out, Stats: core.ExecutionStats{Duration: 0.01}}, nil
}

func newAPITestServer(t *testing.T, exec core.Executor, apiKeys []string) (*httptest.Server, *core.BeamNode) {
	t.Helper()
	n, err := core.NewBeamNode(nil, t.TempDir())
	require.NoError(t, err)
	n.NodeType = core.OrchestratorNode
	n.Executor = exec
	s, err := NewBeamGridServer(n, apiKeys, nil)
	require.NoError(t, err)
	n.OnJobDone = s.JobDoneHook()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.Start(ctx)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, n
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func decodeStatus(t *testing.T, res *http.Response) jobStatusResponse {
	t.Helper()
	defer res.Body.Close()
	var out jobStatusResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestJobEventTypes(t *testing.T) {
	assert.Equal(t, monitor.EventJobCompleted, jobEventType(core.JobStatusCompleted))
	assert.Equal(t, monitor.EventJobFailed, jobEventType(core.JobStatusFailed))
	assert.Equal(t, monitor.EventJobCancelled, jobEventType(core.JobStatusCancelled))
	assert.Equal(t, monitor.EventJobTimedOut, jobEventType(core.JobStatusTimedOut))
}

func TestRunAndStatus(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{}, nil)

	res := postJSON(t, srv.URL+"/v2/run", `{"input":{"task":"echo"}}`, nil)
	assert.Equal(http.StatusAccepted, res.StatusCode)
	accepted := decodeStatus(t, res)
	assert.NotEmpty(accepted.ID)
	assert.Equal("IN_QUEUE", accepted.Status)

	// poll until the stub executor settles the job
	deadline := time.Now().Add(5 * time.Second)
	var final jobStatusResponse
	for time.Now().Before(deadline) {
		res, err := http.Get(fmt.Sprintf("%s/v2/status/%s", srv.URL, accepted.ID))
		require.NoError(t, err)
		final = decodeStatus(t, res)
		if final.Status == "COMPLETED" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal("COMPLETED", final.Status)
	require.NotNil(t, final.Output)
	var out map[string]string
	require.NoError(t, final.Output.Decode(&out))
	assert.Equal("yes", out["ok"])
}

func TestRunValidation(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{}, nil)

	// the OpenAPI validator rejects bodies without input
	res := postJSON(t, srv.URL+"/v2/run", `{"webhook":"http://example.com"}`, nil)
	res.Body.Close()
	assert.Equal(http.StatusBadRequest, res.StatusCode)

	// the payload parser rejects inputs without a task
	res = postJSON(t, srv.URL+"/v2/run", `{"input":{"runtime":"base"}}`, nil)
	res.Body.Close()
	assert.Equal(http.StatusBadRequest, res.StatusCode)
}

func TestRunBearerAuth(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{}, []string{"sk-test"})

	res := postJSON(t, srv.URL+"/v2/run", `{"input":{"task":"echo"}}`, nil)
	res.Body.Close()
	assert.Equal(http.StatusUnauthorized, res.StatusCode)

	res = postJSON(t, srv.URL+"/v2/run", `{"input":{"task":"echo"}}`,
		map[string]string{"Authorization": "Bearer wrong"})
	res.Body.Close()
	assert.Equal(http.StatusUnauthorized, res.StatusCode)

	res = postJSON(t, srv.URL+"/v2/run", `{"input":{"task":"echo"}}`,
		map[string]string{"Authorization": "Bearer sk-test"})
	res.Body.Close()
	assert.Equal(http.StatusAccepted, res.StatusCode)
}

func TestRunSync(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{}, nil)

	res := postJSON(t, srv.URL+"/v2/runsync?wait=5", `{"input":{"task":"echo"}}`, nil)
	assert.Equal(http.StatusOK, res.StatusCode)
	out := decodeStatus(t, res)
	assert.Equal("COMPLETED", out.Status)
	assert.NotNil(out.Output)
}

func TestRunSyncWaitElapsed(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{delay: 10 * time.Second}, nil)

	res := postJSON(t, srv.URL+"/v2/runsync?wait=1", `{"input":{"task":"sleep"}}`, nil)
	assert.Equal(http.StatusOK, res.StatusCode)
	out := decodeStatus(t, res)
	assert.Contains([]string{"IN_QUEUE", "IN_PROGRESS"}, out.Status)
}

func TestCancelJob(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{delay: 10 * time.Second}, nil)

	res := postJSON(t, srv.URL+"/v2/run", `{"input":{"task":"sleep"}}`, nil)
	accepted := decodeStatus(t, res)

	res = postJSON(t, fmt.Sprintf("%s/v2/cancel/%s", srv.URL, accepted.ID), "", nil)
	assert.Equal(http.StatusOK, res.StatusCode)
	out := decodeStatus(t, res)
	assert.Equal("CANCELLED", out.Status)

	res = postJSON(t, srv.URL+"/v2/cancel/job-nonexistent", "", nil)
	res.Body.Close()
	assert.Equal(http.StatusNotFound, res.StatusCode)
}

func TestStatusUnknownJob(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{}, nil)

	res, err := http.Get(srv.URL + "/v2/status/job-nonexistent")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(http.StatusNotFound, res.StatusCode)
}

func TestStreamUnknownJob(t *testing.T) {
	assert := assert.New(t)
	srv, _ := newAPITestServer(t, &apiStubExecutor{}, nil)

	res, err := http.Get(srv.URL + "/v2/stream/job-nonexistent")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(http.StatusNotFound, res.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	assert := assert.New(t)
	srv, n := newAPITestServer(t, &apiStubExecutor{}, nil)
	n.WorkerManager = core.NewRemoteWorkerManager()
	n.WorkerManager.RegisterWorker(context.Background(), "worker-1", "10.0.0.1", core.BeamGridVersion, 3, nil)

	res, err := http.Get(srv.URL + "/v2/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(http.StatusOK, res.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(core.BeamGridVersion, health.Version)
	assert.Equal(1, health.Workers.Connected)
	assert.Equal(3, health.Workers.Idle)
}

func TestPurgeQueue(t *testing.T) {
	assert := assert.New(t)
	// no executor, no workers; submissions stay queued
	n, err := core.NewBeamNode(nil, t.TempDir())
	require.NoError(t, err)
	s, err := NewBeamGridServer(n, nil, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for i := 0; i < 3; i++ {
		res := postJSON(t, srv.URL+"/v2/run", `{"input":{"task":"echo"}}`, nil)
		res.Body.Close()
		assert.Equal(http.StatusAccepted, res.StatusCode)
	}

	res := postJSON(t, srv.URL+"/v2/purge-queue", "", nil)
	assert.Equal(http.StatusOK, res.StatusCode)
	defer res.Body.Close()
	var purged purgeQueueResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&purged))
	assert.Equal(3, purged.Removed)
}

func TestSyncWaitParsing(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(defaultSyncWait, syncWait(""))
	assert.Equal(defaultSyncWait, syncWait("junk"))
	assert.Equal(10*time.Second, syncWait("10"))
	assert.Equal(time.Second, syncWait("0"))
	assert.Equal(maxSyncWait, syncWait("100000"))
}
