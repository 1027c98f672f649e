package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/core"
)

// EnvValue unmarshals JSON booleans as strings for compatibility with env variables.
type EnvValue string

// UnmarshalJSON converts JSON booleans to strings for EnvValue.
func (sb *EnvValue) UnmarshalJSON(b []byte) error {
	var boolVal bool
	err := json.Unmarshal(b, &boolVal)
	if err == nil {
		*sb = EnvValue(strconv.FormatBool(boolVal))
		return nil
	}

	var strVal string
	err = json.Unmarshal(b, &strVal)
	if err == nil {
		*sb = EnvValue(strVal)
	}

	return err
}

// String returns the string representation of the EnvValue.
func (sb EnvValue) String() string {
	return string(sb)
}

// Runner executes jobs on a pool of runner containers, one per GPU,
// created on demand per runtime.
type Runner struct {
	manager            *DockerManager
	workDir            string
	externalContainers map[string]*RunnerContainer
	mu                 *sync.Mutex
}

var _ core.Executor = (*Runner)(nil)

func NewRunner(overrides ImageOverrides, runnerEnv map[string]EnvValue, gpus []string, workDir string, containerCreatorID string) (*Runner, error) {
	manager, err := NewDockerManager(overrides, runnerEnv, gpus, workDir, nil, containerCreatorID)
	if err != nil {
		return nil, fmt.Errorf("error creating docker manager: %w", err)
	}

	return &Runner{
		manager:            manager,
		workDir:            workDir,
		externalContainers: make(map[string]*RunnerContainer),
		mu:                 &sync.Mutex{},
	}, nil
}

// Exec borrows a container for the job's runtime, ships the payload to
// it and waits for the result. The borrow lasts until Exec returns.
func (r *Runner) Exec(ctx context.Context, job *core.Job) (*core.JobResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendJob, cleanup, err := r.prepareJob(job)
	if err != nil {
		return &core.JobResult{Error: &core.JobError{Message: err.Error(), Type: core.ErrorTypePayload}}, nil
	}
	defer cleanup()

	c, err := r.borrowContainer(ctx, job.Runtime)
	if err != nil {
		return nil, err
	}

	clog.V(common.DEBUG).Infof(ctx, "Dispatching job to runner container=%s runtime=%s", c.Name, job.Runtime)
	res, err := c.Client.Exec(ctx, sendJob)
	if err != nil {
		clog.InfofErr(ctx, "Runner request failed container=%s", c.Name, err)
		return nil, err
	}
	return res, nil
}

// prepareJob materializes data URL kwargs under the shared workspace so
// the container sees them as plain files. Jobs without data URLs pass
// through untouched. The returned cleanup removes anything written.
func (r *Runner) prepareJob(job *core.Job) (*core.Job, func(), error) {
	noop := func() {}

	payload := job.Payload
	if payload == nil {
		p, err := core.ParsePayload(job.Input)
		if err != nil {
			return nil, noop, err
		}
		payload = p
	}
	if payload.Kwargs.IsZero() || payload.Kwargs.Codec != core.CodecJSON {
		return job, noop, nil
	}

	var kwargs map[string]interface{}
	if err := payload.Kwargs.Decode(&kwargs); err != nil {
		return nil, noop, fmt.Errorf("bad kwargs: %w", err)
	}

	hostDir := filepath.Join(r.workDir, job.ID)
	rewritten := false
	for key, val := range kwargs {
		s, ok := val.(string)
		if !ok || !strings.HasPrefix(s, "data:") {
			continue
		}
		if !rewritten {
			if err := os.MkdirAll(hostDir, 0755); err != nil {
				return nil, noop, err
			}
		}
		written, err := SaveDataURLToFile(s, hostDir, key)
		if err != nil {
			os.RemoveAll(hostDir)
			return nil, noop, fmt.Errorf("bad data url in kwarg %q: %w", key, err)
		}
		kwargs[key] = path.Join(containerWorkspaceDir, job.ID, filepath.Base(written))
		rewritten = true
	}
	if !rewritten {
		return job, noop, nil
	}

	enc, err := core.EncodeValue(core.CodecJSON, kwargs)
	if err != nil {
		os.RemoveAll(hostDir)
		return nil, noop, err
	}
	newPayload := *payload
	newPayload.Kwargs = *enc
	input, err := json.Marshal(&newPayload)
	if err != nil {
		os.RemoveAll(hostDir)
		return nil, noop, err
	}

	sendJob := *job
	sendJob.Input = input
	sendJob.Payload = &newPayload
	return &sendJob, func() { os.RemoveAll(hostDir) }, nil
}

func (r *Runner) EnsureImageAvailable(ctx context.Context, runtime string) error {
	return r.manager.EnsureImageAvailable(ctx, runtime)
}

// Warm starts a managed container for the runtime ahead of traffic, or
// attaches an already running external container when endpoint is set.
func (r *Runner) Warm(ctx context.Context, runtime string, endpoint RunnerEndpoint) error {
	if endpoint.URL == "" {
		return r.manager.Warm(ctx, runtime)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := RunnerContainerConfig{
		Type:             External,
		Runtime:          runtime,
		Endpoint:         endpoint,
		containerTimeout: externalContainerTimeout,
	}
	rc, err := NewRunnerContainer(ctx, cfg, endpoint.URL)
	if err != nil {
		return err
	}

	name := dockerContainerName(runtime, endpoint.URL)
	clog.Infof(ctx, "Attached external container name=%s runtime=%s", name, runtime)
	r.externalContainers[name] = rc

	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	if err := r.manager.Stop(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.externalContainers {
		delete(r.externalContainers, name)
	}

	return nil
}

// HasCapacity returns true if the runner can take a job for the given runtime.
func (r *Runner) HasCapacity(runtime string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check if we have capacity for external containers.
	for _, rc := range r.externalContainers {
		if rc.Runtime == runtime {
			return true
		}
	}

	// Check if we have capacity for managed containers.
	return r.manager.HasCapacity(context.Background(), runtime)
}

// GetCapacity reports container usage. An empty runtime counts across
// all runtimes.
func (r *Runner) GetCapacity(runtime string) (Capacity, int) {
	return r.manager.GetCapacity(runtime)
}

func (r *Runner) borrowContainer(ctx context.Context, runtime string) (*RunnerContainer, error) {
	r.mu.Lock()

	for _, rc := range r.externalContainers {
		if rc.Runtime == runtime {
			r.mu.Unlock()
			// Assume external containers can handle concurrent in-flight requests.
			return rc, nil
		}
	}

	r.mu.Unlock()

	return r.manager.Borrow(ctx, runtime)
}

// Versions lists the runner build of every attached container.
func (r *Runner) Versions() []string {
	r.mu.Lock()
	var versions []string
	for _, rc := range r.externalContainers {
		versions = append(versions, rc.Version)
	}
	r.mu.Unlock()

	return append(versions, r.manager.Versions()...)
}

// LowestVersion returns the oldest runner build attached, or the empty
// string when no container reports one.
func (r *Runner) LowestVersion() string {
	var lowest *semver.Version
	for _, v := range r.Versions() {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if lowest == nil || sv.LessThan(lowest) {
			lowest = sv
		}
	}
	if lowest == nil {
		return ""
	}
	return lowest.String()
}

// Purge drops cached task state in every idle container.
func (r *Runner) Purge(ctx context.Context) error {
	r.mu.Lock()
	external := make([]*RunnerContainer, 0, len(r.externalContainers))
	for _, rc := range r.externalContainers {
		external = append(external, rc)
	}
	r.mu.Unlock()

	var firstErr error
	for _, rc := range external {
		if err := rc.Client.Purge(ctx); err != nil {
			clog.Errorf(ctx, "Could not purge runner cache container=%s err=%q", rc.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := r.manager.PurgeCaches(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
