package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/docker/cli/opts"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/core"
	"github.com/beamgrid/go-beamgrid/monitor"
)

const containerWorkspaceDir = "/workspace"
const containerPort = "8000/tcp"
const pollingInterval = 500 * time.Millisecond
const externalContainerTimeout = 2 * time.Minute
const containerStopTimeout = 8 * time.Second
const containerRemoveTimeout = 30 * time.Second
const containerCreatorLabel = "creator"
const containerCreator = "beamgrid"
const containerCreatorIDLabel = "creator_id"

var containerTimeout = 3 * time.Minute
var containerWatchInterval = 5 * time.Second
var healthcheckTimeout = 5 * time.Second
var maxHealthCheckFailures = 2

// Each runtime gets its own port range so a multi GPU host can run one
// container per runtime per GPU without clashing.
var containerHostPorts = map[string]string{
	"base":    "8000",
	"pytorch": "8100",
	"cuda":    "8200",
}

// Default runtime container images to use if no overrides are provided.
var runtimeToImage = map[string]string{
	"base":    "runpod/base:0.6.2-cuda11.1.1",
	"pytorch": "runpod/pytorch:2.0.1-py3.10-cuda11.8.0-devel",
	"cuda":    "nvidia/cuda:12.1.0-base-ubuntu22.04",
}

// ImageOverrides remaps runtime names to container images, with an
// optional default for runtimes absent from both maps.
type ImageOverrides struct {
	Default  string            `json:"default"`
	Runtimes map[string]string `json:"runtimes"`
}

// DockerClient is an interface for the Docker client, allowing for mocking in tests.
// NOTE: ensure any docker.Client methods used in this package are added.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// Compile-time assertion to ensure docker.Client implements DockerClient.
var _ DockerClient = (*docker.Client)(nil)

// Create global references to functions to allow for mocking in tests.
var dockerWaitUntilRunningFunc = dockerWaitUntilRunning

func NewDefaultDockerClient() (DockerClient, error) {
	return docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
}

type DockerManager struct {
	gpus               []string
	workDir            string
	overrides          ImageOverrides
	runnerEnv          map[string]EnvValue
	containerCreatorID string

	dockerClient DockerClient
	// gpu ID => container
	gpuContainers map[string]*RunnerContainer
	// Map of idle containers. container name => container
	containers map[string]*RunnerContainer
	mu         *sync.Mutex
}

func NewDockerManager(overrides ImageOverrides, runnerEnv map[string]EnvValue, gpus []string, workDir string, client DockerClient, containerCreatorID string) (*DockerManager, error) {
	if client == nil {
		var err error
		client, err = NewDefaultDockerClient()
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerTimeout)
	if _, err := RemoveExistingContainers(ctx, client, containerCreatorID); err != nil {
		cancel()
		return nil, err
	}
	cancel()

	manager := &DockerManager{
		gpus:               gpus,
		workDir:            workDir,
		overrides:          overrides,
		runnerEnv:          runnerEnv,
		dockerClient:       client,
		containerCreatorID: containerCreatorID,
		gpuContainers:      make(map[string]*RunnerContainer),
		containers:         make(map[string]*RunnerContainer),
		mu:                 &sync.Mutex{},
	}

	return manager, nil
}

// EnsureImageAvailable ensures the container image for the given runtime is available locally.
func (m *DockerManager) EnsureImageAvailable(ctx context.Context, runtime string) error {
	imageName, err := m.getContainerImageName(runtime)
	if err != nil {
		return err
	}

	// Pull the image if it is not available locally.
	if !m.isImageAvailable(ctx, runtime) {
		clog.Infof(ctx, "Pulling image for runtime runtime=%s image=%s", runtime, imageName)
		err = m.pullImage(ctx, imageName)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *DockerManager) Warm(ctx context.Context, runtime string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.monitorInUse(runtime)

	_, err := m.createContainer(ctx, runtime, true)
	if err != nil {
		return err
	}

	return nil
}

func (m *DockerManager) Stop(ctx context.Context) error {
	var stopContainerWg sync.WaitGroup
	for _, rc := range m.containers {
		stopContainerWg.Add(1)
		go func(container *RunnerContainer) {
			defer stopContainerWg.Done()
			m.destroyContainer(container, false)
		}(rc)
	}

	stopContainerWg.Wait()
	return nil
}

func (m *DockerManager) Borrow(ctx context.Context, runtime string) (*RunnerContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.monitorInUse(runtime)

	var rc *RunnerContainer
	var err error

	for _, runner := range m.containers {
		if runner.Runtime == runtime {
			rc = runner
			break
		}
	}

	// The container does not exist so try to create it
	if rc == nil {
		rc, err = m.createContainer(ctx, runtime, false)
		if err != nil {
			return nil, err
		}
	}

	m.borrowContainerLocked(ctx, rc)
	return rc, nil
}

func (m *DockerManager) borrowContainerLocked(ctx context.Context, rc *RunnerContainer) {
	// Remove container and set the BorrowCtx so it is unavailable until returnContainer() is called by watchContainer()
	delete(m.containers, rc.Name)
	rc.Lock()
	rc.BorrowCtx = ctx
	rc.Unlock()
}

// returnContainer returns a container to the pool so it can be reused. It is called automatically by watchContainer
// when the BorrowCtx of the container is done or the container is IDLE.
func (m *DockerManager) returnContainer(rc *RunnerContainer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.monitorInUse(rc.Runtime)

	rc.Lock()
	rc.BorrowCtx = nil
	rc.Unlock()

	m.containers[rc.Name] = rc
}

// getContainerImageName returns the image for the given runtime,
// preferring overrides over the built in mapping.
func (m *DockerManager) getContainerImageName(runtime string) (string, error) {
	if image, ok := m.overrides.Runtimes[runtime]; ok {
		return image, nil
	}
	if image, ok := runtimeToImage[runtime]; ok {
		return image, nil
	}
	if m.overrides.Default != "" {
		return m.overrides.Default, nil
	}
	return "", fmt.Errorf("no container image found for runtime %s", runtime)
}

// HasCapacity checks if an unused managed container exists or if a GPU is available for a new container.
func (m *DockerManager) HasCapacity(ctx context.Context, runtime string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check if unused managed container exists for the requested runtime.
	for _, rc := range m.containers {
		if rc.Runtime == runtime {
			return true
		}
	}

	if !m.isImageAvailable(ctx, runtime) {
		return false
	}

	// Check for available GPU to allocate for a new container for the requested runtime.
	_, err := m.allocGPU(ctx)
	return err == nil
}

// Versions reports the runner build of every managed container.
func (m *DockerManager) Versions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var versions []string
	for _, rc := range m.gpuContainers {
		versions = append(versions, rc.Version)
	}
	return versions
}

// PurgeCaches asks every idle managed container to drop cached task
// state. Borrowed containers are skipped.
func (m *DockerManager) PurgeCaches(ctx context.Context) error {
	m.mu.Lock()
	idle := make([]*RunnerContainer, 0, len(m.containers))
	for _, rc := range m.containers {
		idle = append(idle, rc)
	}
	m.mu.Unlock()

	var firstErr error
	for _, rc := range idle {
		if err := rc.Client.Purge(ctx); err != nil {
			clog.Errorf(ctx, "Could not purge runner cache container=%s err=%q", rc.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// isImageAvailable checks if the specified image is available locally.
func (m *DockerManager) isImageAvailable(ctx context.Context, runtime string) bool {
	imageName, err := m.getContainerImageName(runtime)
	if err != nil {
		clog.Errorf(ctx, "%v", err)
		return false
	}

	_, _, err = m.dockerClient.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		clog.Infof(ctx, "Image for runtime is not available locally runtime=%s image=%s", runtime, imageName)
	}
	return err == nil
}

// pullImage pulls the specified image from the registry.
func (m *DockerManager) pullImage(ctx context.Context, imageName string) error {
	reader, err := m.dockerClient.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Display progress messages from ImagePull reader.
	decoder := json.NewDecoder(reader)
	for {
		var progress jsonmessage.JSONMessage
		if err := decoder.Decode(&progress); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("error decoding progress message: %w", err)
		}
		if progress.Status != "" && progress.Progress != nil {
			clog.Infof(ctx, "%s: %s", progress.Status, progress.Progress.String())
		}
	}

	return nil
}

func (m *DockerManager) createContainer(ctx context.Context, runtime string, keepWarm bool) (*RunnerContainer, error) {
	gpu, err := m.allocGPU(ctx)
	if err != nil {
		return nil, err
	}

	basePort, ok := containerHostPorts[runtime]
	if !ok {
		// Unknown runtimes run off the Default override image and share
		// the base port range.
		basePort = containerHostPorts["base"]
	}
	containerHostPort := basePort[:2] + portOffset(gpu)
	containerName := dockerContainerName(runtime, containerHostPort)
	containerImage, err := m.getContainerImageName(runtime)
	if err != nil {
		return nil, err
	}

	clog.Infof(ctx, "Starting managed container gpu=%s name=%s runtime=%s image=%s", gpu, containerName, runtime, containerImage)

	envVars := []string{
		"RUNTIME=" + runtime,
		"DEVICE=" + gpu,
	}
	for key, value := range m.runnerEnv {
		envVars = append(envVars, key+"="+value.String())
	}

	containerConfig := &container.Config{
		Image: containerImage,
		Env:   envVars,
		Volumes: map[string]struct{}{
			containerWorkspaceDir: {},
		},
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
		Labels: map[string]string{
			containerCreatorLabel:   containerCreator,
			containerCreatorIDLabel: m.containerCreatorID,
		},
	}

	gpuOpts := opts.GpuOpts{}
	if !isEmulatedGPU(gpu) {
		gpuOpts.Set("device=" + gpu)
	}

	restartPolicy := container.RestartPolicy{
		Name:              container.RestartPolicyOnFailure,
		MaximumRetryCount: 3,
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			DeviceRequests: gpuOpts.Value(),
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: m.workDir,
				Target: containerWorkspaceDir,
			},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: containerHostPort,
				},
			},
		},
		RestartPolicy: restartPolicy,
	}

	resp, err := m.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, containerTimeout)
	if err := m.dockerClient.ContainerStart(cctx, resp.ID, container.StartOptions{}); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cctx, cancel = context.WithTimeout(ctx, containerTimeout)
	if err := dockerWaitUntilRunningFunc(cctx, m.dockerClient, resp.ID, pollingInterval); err != nil {
		cancel()
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}
	cancel()

	cfg := RunnerContainerConfig{
		Type:    Managed,
		Runtime: runtime,
		Endpoint: RunnerEndpoint{
			URL: "http://localhost:" + containerHostPort,
		},
		ID:               resp.ID,
		GPU:              gpu,
		KeepWarm:         keepWarm,
		containerTimeout: containerTimeout,
	}

	rc, err := NewRunnerContainer(ctx, cfg, containerName)
	if err != nil {
		dockerRemoveContainer(m.dockerClient, resp.ID)
		return nil, err
	}

	m.containers[containerName] = rc
	m.gpuContainers[gpu] = rc

	go m.watchContainer(rc)

	return rc, nil
}

func (m *DockerManager) allocGPU(ctx context.Context) (string, error) {
	// Is there a GPU available?
	for _, gpu := range m.gpus {
		_, ok := m.gpuContainers[gpu]
		if !ok {
			return gpu, nil
		}
	}

	// Is there a GPU with an idle container?
	for gpu, rc := range m.gpuContainers {
		// If the container exists in this map then it is idle and if it not marked as keep warm we remove it
		_, isIdle := m.containers[rc.Name]
		if isIdle && !rc.KeepWarm {
			if err := m.destroyContainer(rc, true); err != nil {
				return "", err
			}
			return gpu, nil
		}
	}

	return "", core.ErrNoCapacity
}

// destroyContainer stops the container on docker and removes it from the
// internal state. If locked is true then the mutex is not re-locked, otherwise
// it is done automatically only when updating the internal state.
func (m *DockerManager) destroyContainer(rc *RunnerContainer, locked bool) error {
	clog.Infof(context.Background(), "Removing managed container gpu=%s name=%s runtime=%s", rc.GPU, rc.Name, rc.Runtime)

	if err := dockerRemoveContainer(m.dockerClient, rc.ID); err != nil {
		clog.Errorf(context.Background(), "Error removing managed container gpu=%s name=%s runtime=%s err=%q", rc.GPU, rc.Name, rc.Runtime, err)
		return fmt.Errorf("failed to remove container %s: %w", rc.Name, err)
	}

	if !locked {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	defer m.monitorInUse(rc.Runtime)
	delete(m.gpuContainers, rc.GPU)
	delete(m.containers, rc.Name)
	return nil
}

// watchContainer monitors a container's health and automatically cleans
// up the internal state when the container stops. It also monitors the
// BorrowCtx to return the container to the pool when it is done.
func (m *DockerManager) watchContainer(rc *RunnerContainer) {
	ctx := clog.AddVal(context.Background(), "container", rc.Name)
	defer func() {
		if r := recover(); r != nil {
			clog.Errorf(ctx, "Panic in container watch routine panic=%v stack=%s", r, debug.Stack())
		}
	}()

	ticker := time.NewTicker(containerWatchInterval)
	defer ticker.Stop()

	clog.Infof(ctx, "Watching container")
	var loadingStartTime time.Time
	failures := 0
	for {
		if failures >= maxHealthCheckFailures {
			clog.Errorf(ctx, "Container health check failed too many times")
			m.destroyContainer(rc, false)
			if rc.KeepWarm {
				clog.Infof(ctx, "Container was kept warm, restarting")
				if err := m.Warm(context.Background(), rc.Runtime); err != nil {
					clog.Errorf(ctx, "Error restarting warm container err=%q", err)
				}
			}
			return
		}

		borrowCtx := func() context.Context {
			rc.RLock()
			defer rc.RUnlock()
			return rc.BorrowCtx
		}

		var borrowDone <-chan struct{}
		// The BorrowCtx is set while the container is lent out. When it is nil the
		// container is already pooled, so there is nothing to wait on (nil channel).
		if bc := borrowCtx(); bc != nil {
			borrowDone = bc.Done()
		}

		select {
		case <-borrowDone:
			m.returnContainer(rc)
			continue
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(context.Background(), healthcheckTimeout)
			health, err := rc.Client.Health(hctx)
			cancel()

			if err != nil {
				failures++
				clog.Errorf(ctx, "Runner health check failed err=%q", err)
				continue
			}

			isBorrowed := borrowCtx() != nil
			switch health.Status {
			case IDLE:
				if isBorrowed {
					clog.Infof(ctx, "Container is idle, returning to pool")
					m.returnContainer(rc)
					continue
				}
				fallthrough
			case OK:
				failures, loadingStartTime = 0, time.Time{}
				continue
			case LOADING:
				if loadingStartTime.IsZero() {
					failures, loadingStartTime = 0, time.Now()

					if !isBorrowed {
						clog.Infof(ctx, "Container is loading, removing from pool")

						m.mu.Lock()
						m.borrowContainerLocked(context.Background(), rc)
						m.mu.Unlock()
					}
				}
				if loadingTime := time.Since(loadingStartTime); loadingTime > containerTimeout {
					failures++
					clog.Errorf(ctx, "Container is loading for too long duration=%s", loadingTime)
				}
				continue
			case ERROR:
				failures = maxHealthCheckFailures
				clog.Errorf(ctx, "Container reported ERROR state, restarting immediately")
			default:
				clog.Errorf(ctx, "Unknown container status status=%s", health.Status)
			}
		}
	}
}

func RemoveExistingContainers(ctx context.Context, client DockerClient, containerCreatorID string) (int, error) {
	if client == nil {
		var err error
		client, err = NewDefaultDockerClient()
		if err != nil {
			return 0, err
		}
	}

	filters := filters.NewArgs(filters.Arg("label", containerCreatorLabel+"="+containerCreator))
	containers, err := client.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		creatorID, hasCreatorID := c.Labels[containerCreatorIDLabel]
		// Also remove containers without a creator-id label, left behind by versions that didn't set it.
		shouldRemove := !hasCreatorID || creatorID == containerCreatorID
		if !shouldRemove {
			continue
		}
		clog.Infof(ctx, "Removing existing managed container name=%s", c.Names[0])
		if err := dockerRemoveContainer(client, c.ID); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// dockerContainerName generates a container name from the runtime and an optional suffix.
func dockerContainerName(runtime string, suffix ...string) string {
	if len(suffix) > 0 {
		return fmt.Sprintf("beamgrid_%s_%s", runtime, suffix[0])
	}
	return fmt.Sprintf("beamgrid_%s", runtime)
}

func dockerRemoveContainer(client DockerClient, containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	defer cancel()

	timeoutSec := int(containerStopTimeout.Seconds())
	err := client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSec})
	// Ignore "not found" or "already stopped" errors
	if err != nil && !docker.IsErrNotFound(err) && !errdefs.IsNotModified(err) {
		return err
	}

	err = client.ContainerRemove(ctx, containerID, container.RemoveOptions{})
	if err == nil || docker.IsErrNotFound(err) {
		return nil
	} else if err != nil && !strings.Contains(err.Error(), "is already in progress") {
		return err
	}
	// The container is being removed asynchronously, wait until it is actually gone
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for container removal to complete")
		case <-ticker.C:
			_, err := client.ContainerInspect(ctx, containerID)
			if docker.IsErrNotFound(err) {
				return nil
			}
		}
	}
}

func dockerWaitUntilRunning(ctx context.Context, client DockerClient, containerID string, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

tickerLoop:
	for range ticker.C {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for managed container")
		default:
			json, err := client.ContainerInspect(ctx, containerID)
			if err != nil {
				return err
			}
			if json.State == nil {
				continue
			}

			// If the container is running, we're done.
			if json.State.Running {
				break tickerLoop
			}

			// Fail fast on states that won't become running after startup.
			status := strings.ToLower(json.State.Status)
			// Consider exited/dead as terminal. "removing" will surface via
			// inspect error or transition to exited/dead shortly.
			if status == "exited" || status == "dead" {
				return fmt.Errorf("container entered terminal state before running: %s (exitCode=%d)", json.State.Status, json.State.ExitCode)
			}
			if !json.State.Restarting && json.State.ExitCode != 0 {
				return fmt.Errorf("container exited before running (status=%s, exitCode=%d)", json.State.Status, json.State.ExitCode)
			}
			if !json.State.Restarting && json.State.Error != "" {
				return fmt.Errorf("container error before running: %s", json.State.Error)
			}
		}
	}

	return nil
}

type Capacity struct {
	ContainersInUse int
	ContainersIdle  int
}

// GetCapacity returns the current number of containers in use and idle
// plus the number of unallocated GPUs. An empty runtime counts across
// all runtimes.
func (m *DockerManager) GetCapacity(runtime string) (Capacity, int) {
	if runtime == "" {
		return Capacity{
			ContainersInUse: len(m.gpuContainers) - len(m.containers),
			ContainersIdle:  len(m.containers),
		}, len(m.gpus) - len(m.gpuContainers)
	}
	gpuContainers := 0
	for _, rc := range m.gpuContainers {
		if rc.Runtime == runtime {
			gpuContainers++
		}
	}
	idle := 0
	for _, rc := range m.containers {
		if rc.Runtime == runtime {
			idle++
		}
	}
	return Capacity{
		ContainersInUse: gpuContainers - idle,
		ContainersIdle:  idle,
	}, len(m.gpus) - gpuContainers
}

func (m *DockerManager) monitorInUse(runtime string) {
	if monitor.Enabled {
		capacity, gpusIdle := m.GetCapacity(runtime)
		monitor.RunnerContainersInUse(capacity.ContainersInUse, runtime)
		monitor.RunnerContainersIdle(capacity.ContainersIdle, runtime)
		monitor.GPUsIdle(gpusIdle)
	}
}

// portOffset puts each GPU on its own host port within the runtime's
// port range.
func portOffset(gpu string) string {
	res := "00"
	if isEmulatedGPU(gpu) {
		gpu = strings.Replace(gpu, "emulated-", "", 1)
	}
	if len(gpu) >= len(res) {
		return gpu
	}
	return res[:len(res)-len(gpu)] + gpu
}

func isEmulatedGPU(gpu string) bool {
	return strings.HasPrefix(gpu, "emulated-")
}
