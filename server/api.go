package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	nethttpmiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/patrickmn/go-cache"

	"github.com/beamgrid/go-beamgrid/api"
	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/core"
	"github.com/beamgrid/go-beamgrid/monitor"
)

const defaultSyncWait = 60 * time.Second
const maxSyncWait = 300 * time.Second

// resultCacheTTL matches the platform's result retention window.
const resultCacheTTL = 30 * time.Minute

// streamDoneMarker ends a partial output stream.
const streamDoneMarker = "[DONE]"

// BeamGridServer is a node's HTTP surface: the public v2 job API for
// clients plus the worker RPC spoken by standalone workers.
type BeamGridServer struct {
	node        *core.BeamNode
	apiKeys     map[string]bool
	gpus        []string
	resultCache *cache.Cache
	mux         *chi.Mux
}

// runRequest is the public submission envelope: the job input plus
// delivery options.
type runRequest struct {
	Input   json.RawMessage `json:"input"`
	Webhook string          `json:"webhook,omitempty"`
}

// jobStatusResponse is the envelope every job-facing endpoint replies
// with. Times are milliseconds.
type jobStatusResponse struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	DelayTime     int64              `json:"delayTime,omitempty"`
	ExecutionTime int64              `json:"executionTime,omitempty"`
	WorkerID      string             `json:"workerId,omitempty"`
	Output        *core.EncodedValue `json:"output,omitempty"`
	Error         *core.JobError     `json:"error,omitempty"`
}

type purgeQueueResponse struct {
	Removed int    `json:"removed"`
	Status  string `json:"status"`
}

type healthWorkers struct {
	Connected int `json:"connected"`
	Idle      int `json:"idle"`
	Running   int `json:"running"`
}

type healthResponse struct {
	Version string         `json:"version"`
	Jobs    map[string]int `json:"jobs"`
	Workers healthWorkers  `json:"workers"`
	GPUs    []string       `json:"gpus,omitempty"`
}

// NewBeamGridServer assembles the router. An empty apiKeys list leaves
// the v2 API open; the worker RPC is always guarded by the node's orch
// secret. gpus is the local device inventory reported by /v2/health.
func NewBeamGridServer(n *core.BeamNode, apiKeys []string, gpus []string) (*BeamGridServer, error) {
	keys := make(map[string]bool)
	for _, k := range apiKeys {
		if k != "" {
			keys[k] = true
		}
	}
	s := &BeamGridServer{
		node:        n,
		apiKeys:     keys,
		gpus:        gpus,
		resultCache: cache.New(resultCacheTTL, 10*time.Minute),
	}

	validator, err := apiValidator()
	if err != nil {
		return nil, fmt.Errorf("loading api document: %w", err)
	}

	mux := chi.NewRouter()
	mux.Route("/v2", func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Use(validator)
		r.Post("/run", s.Run)
		r.Post("/runsync", s.RunSync)
		r.Get("/status/{id}", s.Status)
		r.Post("/cancel/{id}", s.Cancel)
		r.Get("/stream/{id}", s.Stream)
		r.Post("/purge-queue", s.PurgeQueue)
		r.Get("/health", s.Health)
	})

	mux.Get("/job-take/{workerID}", s.JobTake)
	mux.Post("/job-done/{workerID}/{taskID}", s.JobDone)
	mux.Post("/job-partial/{workerID}/{taskID}", s.JobPartial)
	mux.Post("/ping/{workerID}", s.Ping)

	if monitor.Enabled && monitor.Exporter != nil {
		mux.Handle("/metrics", monitor.Exporter)
	}
	s.mux = mux
	return s, nil
}

func (s *BeamGridServer) Handler() http.Handler { return s.mux }

// ListenAndServe serves the API until ctx is cancelled or the listener
// fails. With an empty certDir the server speaks plain HTTP/1.1;
// otherwise it terminates TLS with a self-signed pair kept in certDir,
// which also enables HTTP/2 for the worker RPC.
func (s *BeamGridServer) ListenAndServe(ctx context.Context, addr, certDir string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	var err error
	if certDir == "" {
		clog.Infof(ctx, "Serving API addr=%s", addr)
		err = srv.ListenAndServe()
	} else {
		certFile, keyFile, cerr := getCert(certHost(addr), certDir)
		if cerr != nil {
			return cerr
		}
		clog.Infof(ctx, "Serving API addr=%s tls=true", addr)
		err = srv.ListenAndServeTLS(certFile, keyFile)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func apiValidator() (func(http.Handler) http.Handler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	return nethttpmiddleware.OapiRequestValidatorWithOptions(doc, &nethttpmiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			respondError(w, message, statusCode)
		},
		SilenceServersWarning: true,
	}), nil
}

// bearerAuth guards the v2 API with static API keys. Auth is enforced
// by this middleware rather than by the OpenAPI validator so the error
// shape stays ours.
func (s *BeamGridServer) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || !s.apiKeys[token] {
			respondError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run enqueues a job and returns right away.
func (s *BeamGridServer) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := readRunRequest(w, r)
	if !ok {
		return
	}
	job, err := s.node.SubmitJob(ctx, req.Input, req.Webhook)
	if err != nil {
		respondError(w, err.Error(), submitErrorCode(err))
		return
	}
	if monitor.Enabled {
		monitor.JobReceived(job.Task, job.Runtime)
	}
	respondJSON(ctx, w, http.StatusAccepted, jobStatusResponse{ID: job.ID, Status: job.Status.String()})
}

// RunSync enqueues a job and waits for the result, up to the `wait`
// query parameter. Jobs still running when the wait elapses get the
// /run-style reply instead.
func (s *BeamGridServer) RunSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := readRunRequest(w, r)
	if !ok {
		return
	}
	job, err := s.node.SubmitJob(ctx, req.Input, req.Webhook)
	if err != nil {
		respondError(w, err.Error(), submitErrorCode(err))
		return
	}
	if monitor.Enabled {
		monitor.JobReceived(job.Task, job.Runtime)
	}
	ctx = clog.AddJobID(ctx, job.ID)

	wctx, cancel := context.WithTimeout(ctx, syncWait(r.URL.Query().Get("wait")))
	defer cancel()
	final, err := s.node.WaitForJob(wctx, job.ID)
	if err != nil {
		snapshot, gerr := s.node.GetJob(job.ID)
		if gerr != nil {
			respondError(w, gerr.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(ctx, w, http.StatusOK, statusResponse(snapshot))
		return
	}
	respondJSON(ctx, w, http.StatusOK, statusResponse(final))
}

// Status reports a job wherever its record currently lives: the node's
// in-memory table, the result cache, or the database.
func (s *BeamGridServer) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := clog.AddJobID(r.Context(), id)

	if job, err := s.node.GetJob(id); err == nil {
		respondJSON(ctx, w, http.StatusOK, statusResponse(job))
		return
	}
	if v, ok := s.resultCache.Get(id); ok {
		respondJSON(ctx, w, http.StatusOK, v.(jobStatusResponse))
		return
	}
	if s.node.Database != nil {
		if dbj, err := s.node.Database.GetJob(id); err == nil {
			resp := dbJobResponse(dbj)
			if core.JobStatus(dbj.Status).Terminal() {
				s.resultCache.Set(id, resp, cache.DefaultExpiration)
			}
			respondJSON(ctx, w, http.StatusOK, resp)
			return
		}
	}
	respondError(w, "job not found", http.StatusNotFound)
}

// Cancel stops a queued or running job. Cancelling a settled job is a
// no-op that reports its final status.
func (s *BeamGridServer) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := clog.AddJobID(r.Context(), id)
	if err := s.node.CancelJob(ctx, id); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, core.ErrJobNotFound) {
			code = http.StatusNotFound
		}
		respondError(w, err.Error(), code)
		return
	}
	job, err := s.node.GetJob(id)
	if err != nil {
		respondJSON(ctx, w, http.StatusOK, jobStatusResponse{ID: id, Status: core.JobStatusCancelled.String()})
		return
	}
	respondJSON(ctx, w, http.StatusOK, statusResponse(job))
}

// Stream sends a job's partial outputs as they arrive, one
// `data: <json>` line per output, ending with `data: [DONE]` once the
// job settles.
func (s *BeamGridServer) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := clog.AddJobID(r.Context(), id)

	if _, err := s.node.GetJob(id); err != nil {
		respondError(w, "job not found", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	replay, live, unsub := s.node.SubscribeStream(id)
	defer unsub()
	// re-check after subscribing; settling in between would otherwise
	// leave the live channel open forever
	settled := false
	if job, err := s.node.GetJob(id); err != nil || job.Status.Terminal() {
		settled = true
	}

	writeEvent := func(val core.EncodedValue) bool {
		buf, err := json.Marshal(val)
		if err != nil {
			clog.Errorf(ctx, "Could not marshal partial output err=%q", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", buf); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	writeDone := func() {
		fmt.Fprintf(w, "data: %s\n\n", streamDoneMarker)
		flusher.Flush()
	}

	for _, val := range replay {
		if !writeEvent(val) {
			return
		}
	}
	if settled {
		writeDone()
		return
	}
	for {
		select {
		case val, ok := <-live:
			if !ok {
				writeDone()
				return
			}
			if !writeEvent(val) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// PurgeQueue drops every queued job. Running jobs are untouched.
func (s *BeamGridServer) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	removed := s.node.PurgeQueue(r.Context())
	respondJSON(r.Context(), w, http.StatusOK, purgeQueueResponse{Removed: removed, Status: "completed"})
}

func (s *BeamGridServer) Health(w http.ResponseWriter, r *http.Request) {
	var hw healthWorkers
	if s.node.WorkerManager != nil {
		for _, wi := range s.node.WorkerManager.Workers() {
			hw.Connected++
			hw.Running += wi.InFlight
			if wi.Capacity > wi.InFlight {
				hw.Idle += wi.Capacity - wi.InFlight
			}
		}
	}
	respondJSON(r.Context(), w, http.StatusOK, healthResponse{
		Version: core.BeamGridVersion,
		Jobs:    s.node.JobStatusCounts(),
		Workers: hw,
		GPUs:    s.gpus,
	})
}

// JobDoneHook returns the node callback that fans a settled job out to
// the result cache, metrics, the event stream, and its webhook.
func (s *BeamGridServer) JobDoneHook() func(ctx context.Context, job core.Job) {
	return func(ctx context.Context, job core.Job) {
		s.resultCache.Set(job.ID, statusResponse(job), cache.DefaultExpiration)
		if monitor.Enabled {
			switch job.Status {
			case core.JobStatusCompleted:
				monitor.JobCompleted(job.Task, job.Runtime, time.Duration(job.ExecutionTime())*time.Millisecond)
			case core.JobStatusFailed:
				errType := ""
				if job.Result != nil && job.Result.Error != nil {
					errType = job.Result.Error.Type
				}
				monitor.JobFailed(job.Task, job.Runtime, errType)
			case core.JobStatusCancelled:
				monitor.JobCancelled(job.Task, job.Runtime)
			case core.JobStatusTimedOut:
				monitor.JobTimedOut(job.Task, job.Runtime)
			}
			if job.Result != nil {
				monitor.JobResources(job.Result.Stats.GPUMemory, job.Result.Stats.CPUMemory)
			}
		}
		event := monitor.JobEvent{
			JobID:      job.ID,
			Task:       job.Task,
			Runtime:    job.Runtime,
			Status:     job.Status.String(),
			WorkerID:   job.WorkerID,
			DurationMs: job.ExecutionTime(),
		}
		if job.Result != nil && job.Result.Error != nil {
			event.Error = job.Result.Error.Error()
		}
		monitor.SendJobEventAsync(jobEventType(job.Status), event)

		if job.WebhookURL != "" {
			s.sendWebhook(ctx, job)
		}
	}
}

// jobEventType maps a terminal job status onto its event stream type.
func jobEventType(status core.JobStatus) string {
	switch status {
	case core.JobStatusFailed:
		return monitor.EventJobFailed
	case core.JobStatusCancelled:
		return monitor.EventJobCancelled
	case core.JobStatusTimedOut:
		return monitor.EventJobTimedOut
	default:
		return monitor.EventJobCompleted
	}
}

func statusResponse(job core.Job) jobStatusResponse {
	resp := jobStatusResponse{
		ID:            job.ID,
		Status:        job.Status.String(),
		DelayTime:     job.DelayTime(),
		ExecutionTime: job.ExecutionTime(),
		WorkerID:      job.WorkerID,
	}
	if job.Result != nil {
		resp.Output = job.Result.Output
		resp.Error = job.Result.Error
	}
	return resp
}

func dbJobResponse(dbj *common.DBJob) jobStatusResponse {
	resp := jobStatusResponse{
		ID:            dbj.ID,
		Status:        dbj.Status,
		ExecutionTime: dbj.DurationMs,
		WorkerID:      dbj.WorkerID,
	}
	if len(dbj.Output) > 0 {
		var out core.EncodedValue
		if err := json.Unmarshal(dbj.Output, &out); err == nil && !out.IsZero() {
			resp.Output = &out
		}
	}
	if dbj.ErrorMessage != "" || dbj.ErrorType != "" {
		resp.Error = &core.JobError{Message: dbj.ErrorMessage, Type: dbj.ErrorType}
	}
	return resp
}

func readRunRequest(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	var req runRequest
	body, err := common.ReadAtMost(r.Body, common.MaxJobInputSize)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, "malformed request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func submitErrorCode(err error) int {
	if errors.Is(err, core.ErrQueueFull) {
		return http.StatusTooManyRequests
	}
	return http.StatusBadRequest
}

func syncWait(q string) time.Duration {
	if q == "" {
		return defaultSyncWait
	}
	secs, err := strconv.Atoi(q)
	if err != nil {
		return defaultSyncWait
	}
	if secs < 1 {
		secs = 1
	}
	if max := int(maxSyncWait / time.Second); secs > max {
		secs = max
	}
	return time.Duration(secs) * time.Second
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.Errorf(ctx, "Error writing response err=%q", err)
	}
}

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// certHost picks the hostname to put on a self-signed cert for a
// listen address. Wildcard binds fall back to localhost.
func certHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return "localhost"
	}
	return host
}
