package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/core"
)

const protoVer = "BeamGrid-Worker-1.0"
const workerErrorMimeType = "beamgrid/worker-error"

// pingInterval is how often a standalone worker heartbeats the
// orchestrator. Cancellation orders ride back on the heartbeat reply,
// so this bounds how stale a cancel can get.
const pingInterval = 15 * time.Second

var errSecret = errors.New("Invalid secret")
var errZeroCapacity = errors.New("Zero capacity")
var errInterrupted = errors.New("Execution interrupted")

// MinWorkerVersion is the oldest worker release the orchestrator still
// accepts. Older workers get 426 on ping and shut themselves down.
var MinWorkerVersion = "0.8.0"

// wireJob is the envelope handed to a worker by job-take.
type wireJob struct {
	ID      string          `json:"id"`
	Task    string          `json:"task"`
	Runtime string          `json:"runtime"`
	Input   json.RawMessage `json:"input"`
}

// workerPing is the heartbeat body a worker posts to the orchestrator.
type workerPing struct {
	Capacity int      `json:"capacity"`
	InFlight int      `json:"inFlight"`
	Version  string   `json:"version"`
	GPUs     []string `json:"gpus,omitempty"`
}

// pingReply carries pending cancellation orders back to the worker.
type pingReply struct {
	CancelledJobs []string `json:"cancelledJobs,omitempty"`
}

// Standalone worker

// RunWorker registers with an orchestrator and executes jobs until a
// fatal error or an interrupt. Lost connections are retried with
// exponential backoff; the same worker ID is kept across reconnects so
// the orchestrator sees one worker coming back rather than a new one.
func RunWorker(ctx context.Context, n *core.BeamNode, orchAddr string, capacity int, gpus []string) {
	if capacity <= 0 {
		capacity = 1
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	workerID := hostname + "-" + common.RandName()
	orchURL := orchestratorURL(orchAddr)
	ctx = clog.AddWorkerID(ctx, workerID)

	expb := backoff.NewExponentialBackOff()
	expb.MaxInterval = time.Minute
	expb.MaxElapsedTime = 0
	backoff.Retry(func() error {
		clog.Infof(ctx, "Registering worker orch=%s", orchURL)
		err := runWorker(ctx, n, orchURL, workerID, capacity, gpus)
		clog.Infof(ctx, "Unregistering worker: %v", err)
		if _, fatal := err.(core.RemoteWorkerFatalError); fatal {
			clog.Infof(ctx, "Terminating worker because of %v", err)
			// Returning nil here makes `backoff` stop retrying and exit
			return nil
		}
		// Returning the error tells `backoff` to try to connect again
		return err
	}, expb)
}

// checkWorkerError upgrades errors that retrying cannot cure into
// fatal ones so the reconnect loop gives up.
func checkWorkerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return core.NewRemoteWorkerFatalError(errInterrupted)
	}
	msg := err.Error()
	if strings.Contains(msg, errSecret.Error()) {
		return core.NewRemoteWorkerFatalError(errSecret)
	}
	if strings.Contains(msg, errZeroCapacity.Error()) {
		return core.NewRemoteWorkerFatalError(errZeroCapacity)
	}
	if strings.Contains(msg, "status 426") {
		return core.NewRemoteWorkerFatalError(err)
	}
	return err
}

func runWorker(ctx context.Context, n *core.BeamNode, orchURL, workerID string, capacity int, gpus []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exitc := make(chan os.Signal, 1)
	signal.Notify(exitc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(exitc)
	go func() {
		select {
		case sig := <-exitc:
			clog.Infof(ctx, "Stopping worker sig=%v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	httpc := workerHTTPClient(orchURL)
	running := newRunningJobs()
	var inFlight int64

	sendPing := func() ([]string, error) {
		return postPing(ctx, httpc, orchURL, n.OrchSecret, workerID, capacity, int(atomic.LoadInt64(&inFlight)), gpus)
	}

	if _, err := sendPing(); err != nil {
		return checkWorkerError(err)
	}
	clog.Infof(ctx, "Registered with orchestrator orch=%s capacity=%d gpus=%d", orchURL, capacity, len(gpus))

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancels, err := sendPing()
				if err != nil {
					clog.InfofErr(ctx, "Heartbeat failed", err)
					continue
				}
				for _, jobID := range cancels {
					if running.cancel(jobID) {
						clog.Infof(clog.AddJobID(ctx, jobID), "Cancelling job on orchestrator order")
					}
				}
			}
		}
	}()

	// Jobs already running are drained to completion on shutdown; only
	// the polling stops immediately.
	var wg sync.WaitGroup
	for {
		wj, taskID, err := takeJob(ctx, httpc, orchURL, n.OrchSecret, workerID)
		if err != nil {
			clog.InfofErr(ctx, "Stopped polling for jobs", err)
			wg.Wait()
			return checkWorkerError(err)
		}
		if wj == nil {
			// poll window closed empty
			continue
		}
		atomic.AddInt64(&inFlight, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer atomic.AddInt64(&inFlight, -1)
			runJob(n, httpc, orchURL, workerID, taskID, wj, running)
		}()
	}
}

// orchestratorURL normalizes an orchestrator address into a base URL.
// Bare host:port addresses are assumed to be TLS.
func orchestratorURL(orchAddr string) string {
	if !strings.HasPrefix(orchAddr, "http://") && !strings.HasPrefix(orchAddr, "https://") {
		orchAddr = "https://" + orchAddr
	}
	return strings.TrimSuffix(orchAddr, "/")
}

func workerHTTPClient(orchURL string) *http.Client {
	if strings.HasPrefix(orchURL, "http://") {
		return &http.Client{Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: common.HTTPDialTimeout}).DialContext,
		}}
	}
	// Orchestrators run self-signed certs
	return &http.Client{Transport: &http2.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
}

func postPing(ctx context.Context, httpc *http.Client, orchURL, secret, workerID string, capacity, inFlight int, gpus []string) ([]string, error) {
	buf, err := json.Marshal(workerPing{
		Capacity: capacity,
		InFlight: inFlight,
		Version:  core.BeamGridVersion,
		GPUs:     gpus,
	})
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, common.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, "POST", common.JoinURL(orchURL, "ping/"+workerID), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", protoVer)
	req.Header.Set("Credentials", secret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := common.ReadAtMost(resp.Body, common.MaxJobInputSize)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orchestrator ping returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var reply pingReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("malformed ping reply: %w", err)
	}
	return reply.CancelledJobs, nil
}

// takeJob long-polls the orchestrator for work. A nil job with a nil
// error means the poll window elapsed without anything to do.
func takeJob(ctx context.Context, httpc *http.Client, orchURL, secret, workerID string) (*wireJob, int64, error) {
	takeCtx, cancel := context.WithTimeout(ctx, common.JobTakePollTimeout+common.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(takeCtx, "GET", common.JoinURL(orchURL, "job-take/"+workerID), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", protoVer)
	req.Header.Set("Credentials", secret)
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, 0, nil
	}
	body, err := common.ReadAtMost(resp.Body, common.MaxJobInputSize)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("job take returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	taskID, err := strconv.ParseInt(resp.Header.Get("TaskId"), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("bad task ID header: %w", err)
	}
	var wj wireJob
	if err := json.Unmarshal(body, &wj); err != nil {
		return nil, 0, fmt.Errorf("malformed job envelope: %w", err)
	}
	return &wj, taskID, nil
}

func runJob(n *core.BeamNode, httpc *http.Client, orchURL, workerID string, taskID int64, wj *wireJob, running *runningJobs) {
	ctx := clog.AddWorkerID(context.Background(), workerID)
	ctx = clog.AddJobID(ctx, wj.ID)
	ctx = clog.AddTaskID(ctx, taskID)
	ctx = clog.AddRuntime(ctx, wj.Runtime)

	job := &core.Job{
		ID:      wj.ID,
		Task:    wj.Task,
		Runtime: wj.Runtime,
		Input:   wj.Input,
		Status:  core.JobStatusInProgress,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	running.add(wj.ID, cancel)
	defer running.remove(wj.ID)

	// Partial outputs the executor publishes are relayed upstream until
	// the job settles.
	_, live, unsub := n.SubscribeStream(wj.ID)
	defer unsub()
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for val := range live {
			postJobPartial(ctx, httpc, orchURL, n.OrchSecret, workerID, taskID, val)
		}
	}()

	clog.Infof(ctx, "Starting job task=%s", wj.Task)
	start := time.Now()
	res, err := n.Executor.Exec(runCtx, job)
	took := time.Since(start)
	switch {
	case err != nil:
		clog.InfofErr(ctx, "Job execution failed took=%s", took, err)
	case res.Error != nil:
		clog.Infof(ctx, "Job finished with task error took=%s errType=%s", took, res.Error.Type)
	default:
		clog.Infof(ctx, "Job finished took=%s", took)
	}

	n.DropPartials(wj.ID)
	<-fwdDone

	postJobDone(ctx, httpc, orchURL, n.OrchSecret, workerID, taskID, res, err)
}

// postJobDone ships a job's terminal result. Results travel as
// multipart/mixed with a JSON summary part followed by one attachment
// part per artifact; execution failures travel as a plain error body
// under a dedicated MIME type.
func postJobDone(ctx context.Context, httpc *http.Client, orchURL, secret, workerID string, taskID int64, res *core.JobResult, execErr error) {
	var body bytes.Buffer
	var contentType string
	if execErr != nil {
		contentType = workerErrorMimeType
		body.WriteString(execErr.Error())
	} else if buf, err := json.Marshal(res); err != nil {
		clog.Errorf(ctx, "Could not marshal job result err=%q", err)
		contentType = workerErrorMimeType
		body.WriteString(err.Error())
	} else {
		boundary := common.RandName()
		w := multipart.NewWriter(&body)
		w.SetBoundary(boundary)
		hdrs := textproto.MIMEHeader{
			"Content-Type":   {"application/json"},
			"Content-Length": {strconv.Itoa(len(buf))},
		}
		fw, err := w.CreatePart(hdrs)
		if err != nil {
			clog.Errorf(ctx, "Could not create result part err=%q", err)
		} else {
			fw.Write(buf)
		}
		for name, data := range res.Artifacts {
			mimeType, err := common.TypeByExtension(filepath.Ext(name))
			if err != nil {
				mimeType = "application/octet-stream"
			}
			hdrs := textproto.MIMEHeader{
				"Content-Type":        {mimeType},
				"Content-Length":      {strconv.Itoa(len(data))},
				"Content-Disposition": {"attachment; filename=" + name},
			}
			fw, err := w.CreatePart(hdrs)
			if err != nil {
				clog.Errorf(ctx, "Could not create artifact part name=%s err=%q", name, err)
				continue
			}
			fw.Write(data)
		}
		w.Close()
		contentType = "multipart/mixed; boundary=" + boundary
	}

	size := body.Len()
	uploadStart := time.Now()
	req, err := http.NewRequestWithContext(ctx, "POST",
		common.JoinURL(orchURL, "job-done/"+workerID+"/"+strconv.FormatInt(taskID, 10)), &body)
	if err != nil {
		clog.Errorf(ctx, "Could not build result request err=%q", err)
		return
	}
	req.Header.Set("Authorization", protoVer)
	req.Header.Set("Credentials", secret)
	req.Header.Set("Content-Type", contentType)
	resp, err := httpc.Do(req)
	if err != nil {
		clog.Errorf(ctx, "Error submitting result err=%q", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		clog.Errorf(ctx, "Orchestrator rejected result status=%d", resp.StatusCode)
		return
	}
	clog.V(common.VERBOSE).Infof(ctx, "Uploaded result bytes=%d upload=%s", size, time.Since(uploadStart))
}

func postJobPartial(ctx context.Context, httpc *http.Client, orchURL, secret, workerID string, taskID int64, val core.EncodedValue) {
	buf, err := json.Marshal(val)
	if err != nil {
		clog.Errorf(ctx, "Could not marshal partial output err=%q", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, common.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, "POST",
		common.JoinURL(orchURL, "job-partial/"+workerID+"/"+strconv.FormatInt(taskID, 10)), bytes.NewReader(buf))
	if err != nil {
		clog.Errorf(ctx, "Could not build partial request err=%q", err)
		return
	}
	req.Header.Set("Authorization", protoVer)
	req.Header.Set("Credentials", secret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpc.Do(req)
	if err != nil {
		clog.InfofErr(ctx, "Error posting partial output", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		clog.V(common.DEBUG).Infof(ctx, "Partial output rejected status=%d", resp.StatusCode)
	}
}

// runningJobs tracks cancel funcs for jobs currently executing so
// heartbeat cancel orders can reach them.
type runningJobs struct {
	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func newRunningJobs() *runningJobs {
	return &runningJobs{jobs: make(map[string]context.CancelFunc)}
}

func (r *runningJobs) add(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.jobs[jobID] = cancel
	r.mu.Unlock()
}

func (r *runningJobs) remove(jobID string) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

func (r *runningJobs) cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.jobs[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Orchestrator side

func (s *BeamGridServer) workerAuth(w http.ResponseWriter, r *http.Request) bool {
	authType := r.Header.Get("Authorization")
	if protoVer != authType {
		clog.Errorf(r.Context(), "Invalid auth type auth=%s", authType)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if r.Header.Get("Credentials") != s.node.OrchSecret {
		clog.Errorf(r.Context(), "Invalid shared secret")
		http.Error(w, errSecret.Error(), http.StatusUnauthorized)
		return false
	}
	return true
}

// JobTake hands the next queued job to a polling worker. The request
// blocks until a job arrives or the poll window closes empty.
func (s *BeamGridServer) JobTake(w http.ResponseWriter, r *http.Request) {
	if !s.workerAuth(w, r) {
		return
	}
	workerID := chi.URLParam(r, "workerID")
	ctx := clog.AddWorkerID(r.Context(), workerID)

	pollCtx, cancel := context.WithTimeout(ctx, common.JobTakePollTimeout)
	defer cancel()
	wj, err := s.node.WorkerManager.TakeJob(pollCtx, workerID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrUnknownWorker) {
			// worker has to ping first; it will after this
			status = http.StatusNotFound
		}
		clog.Errorf(ctx, "Job take failed err=%q", err)
		http.Error(w, err.Error(), status)
		return
	}
	if wj == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx = clog.AddJobID(ctx, wj.Job.ID)

	buf, err := json.Marshal(wireJob{
		ID:      wj.Job.ID,
		Task:    wj.Job.Task,
		Runtime: wj.Job.Runtime,
		Input:   wj.Job.Input,
	})
	if err != nil {
		clog.Errorf(ctx, "Could not marshal job envelope err=%q", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("TaskId", strconv.FormatInt(wj.TaskID, 10))
	w.Write(buf)
	clog.V(common.DEBUG).Infof(ctx, "Dispatched job to worker taskID=%d", wj.TaskID)
}

// JobDone ingests a worker's terminal result for a task and routes it
// to the dispatcher waiting on the job.
func (s *BeamGridServer) JobDone(w http.ResponseWriter, r *http.Request) {
	if !s.workerAuth(w, r) {
		return
	}
	workerID := chi.URLParam(r, "workerID")
	ctx := clog.AddWorkerID(r.Context(), workerID)

	taskID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		clog.Errorf(ctx, "Bad task ID url=%s", r.URL.Path)
		http.Error(w, "Invalid task ID", http.StatusBadRequest)
		return
	}
	ctx = clog.AddTaskID(ctx, taskID)
	if jobID, ok := s.node.WorkerManager.JobForTask(taskID); ok {
		ctx = clog.AddJobID(ctx, jobID)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		clog.Errorf(ctx, "Error getting mime type err=%q", err)
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	var wres core.RemoteWorkerResult
	switch mediaType {
	case workerErrorMimeType:
		w.Write([]byte("OK"))
		body, err := common.ReadAtMost(r.Body, common.MaxJobInputSize)
		if err != nil {
			clog.Errorf(ctx, "Error reading worker error body err=%q", err)
			wres.Err = err
		} else {
			clog.Errorf(ctx, "Worker reported error err=%q", string(body))
			wres.Err = errors.New(string(body))
		}
		s.node.WorkerManager.CompleteTask(ctx, workerID, taskID, &wres)
		return
	case "application/json":
		body, err := common.ReadAtMost(r.Body, common.MaxArtifactSize)
		if err != nil {
			clog.Errorf(ctx, "Error reading result body err=%q", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res := &core.JobResult{}
		if err := json.Unmarshal(body, res); err != nil {
			clog.Errorf(ctx, "Malformed result err=%q", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wres.Result = res
	case "multipart/mixed":
		res, err := parseJobDoneMultipart(ctx, r.Body, params["boundary"])
		if err != nil {
			clog.Errorf(ctx, "Could not parse result parts err=%q", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wres.Result = res
	default:
		http.Error(w, "unsupported content type "+mediaType, http.StatusUnsupportedMediaType)
		return
	}

	s.node.WorkerManager.CompleteTask(ctx, workerID, taskID, &wres)
	w.Write([]byte("OK"))
}

func parseJobDoneMultipart(ctx context.Context, body io.Reader, boundary string) (*core.JobResult, error) {
	start := time.Now()
	mr := multipart.NewReader(body, boundary)
	var res *core.JobResult
	artifacts := make(map[string][]byte)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading result part: %w", err)
		}
		data, err := common.ReadAtMost(p, common.MaxArtifactSize)
		if err != nil {
			return nil, fmt.Errorf("reading result part body: %w", err)
		}
		if name := p.FileName(); name != "" {
			artifacts[filepath.Base(name)] = data
			continue
		}
		res = &core.JobResult{}
		if err := json.Unmarshal(data, res); err != nil {
			return nil, fmt.Errorf("malformed result json: %w", err)
		}
	}
	if res == nil {
		return nil, errors.New("result json part missing")
	}
	if len(artifacts) > 0 {
		res.Artifacts = artifacts
	}
	clog.V(common.VERBOSE).Infof(ctx, "Downloaded worker result artifacts=%d dur=%s", len(artifacts), time.Since(start))
	return res, nil
}

// JobPartial ingests a partial output for a running job and fans it
// out to stream subscribers.
func (s *BeamGridServer) JobPartial(w http.ResponseWriter, r *http.Request) {
	if !s.workerAuth(w, r) {
		return
	}
	workerID := chi.URLParam(r, "workerID")
	ctx := clog.AddWorkerID(r.Context(), workerID)

	taskID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid task ID", http.StatusBadRequest)
		return
	}
	jobID, ok := s.node.WorkerManager.JobForTask(taskID)
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	body, err := common.ReadAtMost(r.Body, common.MaxJobInputSize)
	if err != nil {
		clog.Errorf(ctx, "Error reading partial body err=%q", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var val core.EncodedValue
	if err := json.Unmarshal(body, &val); err != nil {
		http.Error(w, "malformed partial output", http.StatusBadRequest)
		return
	}
	s.node.WorkerManager.TouchWorker(workerID)
	s.node.PublishPartial(jobID, val)
	w.Write([]byte("OK"))
}

// Ping refreshes a worker's registration and returns pending
// cancellation orders. Unknown workers are registered on the spot, so
// a restarted orchestrator repopulates its pool from heartbeats alone.
func (s *BeamGridServer) Ping(w http.ResponseWriter, r *http.Request) {
	if !s.workerAuth(w, r) {
		return
	}
	workerID := chi.URLParam(r, "workerID")
	ctx := clog.AddWorkerID(r.Context(), workerID)

	body, err := common.ReadAtMost(r.Body, common.MaxJobInputSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var ping workerPing
	if err := json.Unmarshal(body, &ping); err != nil {
		http.Error(w, "malformed ping", http.StatusBadRequest)
		return
	}
	if err := checkWorkerVersion(ping.Version); err != nil {
		clog.Errorf(ctx, "Rejecting worker version=%s err=%q", ping.Version, err)
		http.Error(w, err.Error(), http.StatusUpgradeRequired)
		return
	}
	if ping.Capacity <= 0 {
		http.Error(w, errZeroCapacity.Error(), http.StatusBadRequest)
		return
	}

	cancels, err := s.node.WorkerManager.Ping(workerID)
	if errors.Is(err, core.ErrUnknownWorker) {
		s.node.WorkerManager.RegisterWorker(ctx, workerID, r.RemoteAddr, ping.Version, ping.Capacity, ping.GPUs)
		cancels = nil
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pingReply{CancelledJobs: cancels})
}

func checkWorkerVersion(version string) error {
	if version == "" || MinWorkerVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("unparseable worker version %q: %v", version, err)
	}
	if v.LessThan(semver.MustParse(MinWorkerVersion)) {
		return fmt.Errorf("worker version %s below minimum %s", version, MinWorkerVersion)
	}
	return nil
}
