package server

import (
	"flag"
	"fmt"
	"net/http"
	"runtime"
	"strconv"

	"github.com/golang/glog"

	"github.com/beamgrid/go-beamgrid/core"
)

// nodeStatus is the envelope /status replies with; the CLI wizard
// renders it verbatim.
type nodeStatus struct {
	Version                 string            `json:"Version"`
	GolangRuntimeVersion    string            `json:"GolangRuntimeVersion"`
	GOArch                  string            `json:"GOArch"`
	GOOS                    string            `json:"GOOS"`
	NodeType                string            `json:"NodeType"`
	NodeID                  string            `json:"NodeID"`
	Jobs                    map[string]int    `json:"Jobs"`
	Tasks                   []string          `json:"Tasks"`
	GPUs                    []string          `json:"GPUs,omitempty"`
	RegisteredWorkersNumber int               `json:"RegisteredWorkersNumber"`
	RegisteredWorkers       []core.WorkerInfo `json:"RegisteredWorkers"`
}

func logAndRespondWithError(w http.ResponseWriter, errMsg string, code int) {
	glog.Error(errMsg)
	http.Error(w, errMsg, code)
}

func mustHaveFormParams(h http.Handler, params ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			logAndRespondWithError(w, "parse form error", http.StatusInternalServerError)
			return
		}

		for _, param := range params {
			if r.FormValue(param) == "" {
				logAndRespondWithError(w, fmt.Sprintf("missing form param: %s", param), http.StatusBadRequest)
				return
			}
		}

		h.ServeHTTP(w, r)
	})
}

func (s *BeamGridServer) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := nodeStatus{
			Version:              core.BeamGridVersion,
			GolangRuntimeVersion: runtime.Version(),
			GOArch:               runtime.GOARCH,
			GOOS:                 runtime.GOOS,
			NodeType:             nodeTypeName(s.node.NodeType),
			Jobs:                 s.node.JobStatusCounts(),
			Tasks:                s.node.Registry.Names(),
			GPUs:                 s.gpus,
			RegisteredWorkers:    []core.WorkerInfo{},
		}
		if s.node.Database != nil {
			if id, err := s.node.Database.GetKV("nodeID"); err == nil {
				status.NodeID = id
			}
		}
		if s.node.WorkerManager != nil {
			status.RegisteredWorkers = s.node.WorkerManager.Workers()
			status.RegisteredWorkersNumber = len(status.RegisteredWorkers)
		}
		respondJSON(r.Context(), w, http.StatusOK, status)
	})
}

func (s *BeamGridServer) recentJobsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if q := r.URL.Query().Get("limit"); q != "" {
			l, err := strconv.Atoi(q)
			if err != nil || l < 1 {
				logAndRespondWithError(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = l
		}
		if s.node.Database == nil {
			respondJSON(r.Context(), w, http.StatusOK, []cliJob{})
			return
		}
		jobs, err := s.node.Database.RecentJobs(limit)
		if err != nil {
			logAndRespondWithError(w, "could not list jobs", http.StatusInternalServerError)
			return
		}
		out := make([]cliJob, 0, len(jobs))
		for _, dbj := range jobs {
			out = append(out, cliJob{
				ID:         dbj.ID,
				Task:       dbj.Task,
				Runtime:    dbj.Runtime,
				Status:     dbj.Status,
				WorkerID:   dbj.WorkerID,
				DurationMs: dbj.DurationMs,
				CreatedAt:  dbj.CreatedAt,
				Error:      dbj.ErrorMessage,
			})
		}
		respondJSON(r.Context(), w, http.StatusOK, out)
	})
}

// cliJob is the row shape the wizard's job table consumes.
type cliJob struct {
	ID         string `json:"id"`
	Task       string `json:"task"`
	Runtime    string `json:"runtime"`
	Status     string `json:"status"`
	WorkerID   string `json:"workerId"`
	DurationMs int64  `json:"durationMs"`
	CreatedAt  string `json:"createdAt"`
	Error      string `json:"error,omitempty"`
}

func (s *BeamGridServer) workersHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workers := []core.WorkerInfo{}
		if s.node.WorkerManager != nil {
			workers = s.node.WorkerManager.Workers()
		}
		respondJSON(r.Context(), w, http.StatusOK, workers)
	})
}

func (s *BeamGridServer) tasksHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(r.Context(), w, http.StatusOK, s.node.Registry.Names())
	})
}

func setLogLevelHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vFlag := flag.Lookup("v")
		if vFlag == nil {
			logAndRespondWithError(w, "log level flag not registered", http.StatusInternalServerError)
			return
		}
		level := r.FormValue("loglevel")
		if _, err := strconv.Atoi(level); err != nil {
			logAndRespondWithError(w, "invalid loglevel", http.StatusBadRequest)
			return
		}
		if err := vFlag.Value.Set(level); err != nil {
			logAndRespondWithError(w, "could not set loglevel", http.StatusInternalServerError)
			return
		}
		glog.Infof("Log level set to %s", level)
		w.WriteHeader(http.StatusOK)
	})
}

func nodeTypeName(t core.NodeType) string {
	switch t {
	case core.OrchestratorNode:
		return "Orchestrator"
	case core.WorkerNode:
		return "Worker"
	default:
		return "Default"
	}
}

func (s *BeamGridServer) cliWebServerHandlers() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/status", s.statusHandler())
	mux.Handle("/jobs", s.recentJobsHandler())
	mux.Handle("/workers", s.workersHandler())
	mux.Handle("/tasks", s.tasksHandler())
	mux.Handle("/setLogLevel", mustHaveFormParams(setLogLevelHandler(), "loglevel"))
	return mux
}

// StartCliWebserver starts the CLI webserver and blocks until the
// server shuts down.
func (s *BeamGridServer) StartCliWebserver(srv *http.Server) {
	srv.Handler = s.cliWebServerHandlers()
	glog.Info("CLI server listening on ", srv.Addr)
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		glog.Error(err)
	}
}
