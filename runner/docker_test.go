package runner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/beamgrid/go-beamgrid/core"
)

type MockDockerClient struct {
	mock.Mock
}

func (m *MockDockerClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, ref, options)
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockDockerClient) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	args := m.Called(ctx, imageID)
	return args.Get(0).(types.ImageInspect), args.Get(1).([]byte), args.Error(2)
}

func (m *MockDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	args := m.Called(ctx, config, hostConfig, networkingConfig, platform, containerName)
	return args.Get(0).(container.CreateResponse), args.Error(1)
}

func (m *MockDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *MockDockerClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	args := m.Called(ctx, containerID)
	return args.Get(0).(types.ContainerJSON), args.Error(1)
}

func (m *MockDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	args := m.Called(ctx, options)
	return args.Get(0).([]types.Container), args.Error(1)
}

func (m *MockDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

func (m *MockDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	args := m.Called(ctx, containerID, options)
	return args.Error(0)
}

type MockServer struct {
	mock.Mock
	*httptest.Server
}

func (m *MockServer) ServeHTTP(method, path, reqBody string) (status int, contentType string, respBody string) {
	args := m.Called(method, path, reqBody)
	return args.Int(0), args.String(1), args.String(2)
}

func NewMockServer() *MockServer {
	mockServer := new(MockServer)
	mockServer.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path := r.Method, r.URL.Path
		reqBody, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		status, contentType, respBody := mockServer.ServeHTTP(method, path, string(reqBody))

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	return mockServer
}

// createDockerManager creates a DockerManager with a mock DockerClient.
func createDockerManager(mockDockerClient *MockDockerClient) *DockerManager {
	return &DockerManager{
		gpus:          []string{"gpu0"},
		workDir:       "/tmp/workspace",
		dockerClient:  mockDockerClient,
		gpuContainers: make(map[string]*RunnerContainer),
		containers:    make(map[string]*RunnerContainer),
		mu:            &sync.Mutex{},
	}
}

// overrideWaitFuncs short-circuits the container startup polls for the
// duration of a test.
func overrideWaitFuncs(t *testing.T) {
	originalWaitRunning := dockerWaitUntilRunningFunc
	originalWaitReady := runnerWaitUntilReadyFunc
	dockerWaitUntilRunningFunc = func(ctx context.Context, client DockerClient, containerID string, pollingInterval time.Duration) error {
		return nil
	}
	runnerWaitUntilReadyFunc = func(ctx context.Context, client *RunnerClient, pollingInterval time.Duration) error {
		return nil
	}
	t.Cleanup(func() {
		dockerWaitUntilRunningFunc = originalWaitRunning
		runnerWaitUntilReadyFunc = originalWaitReady
	})
}

func TestNewDockerManager(t *testing.T) {
	mockDockerClient := new(MockDockerClient)

	createAndVerifyManager := func() *DockerManager {
		manager, err := NewDockerManager(ImageOverrides{}, nil, []string{"gpu0"}, "/tmp/workspace", mockDockerClient, "creator1")
		require.NoError(t, err)
		require.NotNil(t, manager)
		require.Equal(t, []string{"gpu0"}, manager.gpus)
		require.Equal(t, "/tmp/workspace", manager.workDir)
		require.Equal(t, mockDockerClient, manager.dockerClient)
		return manager
	}

	t.Run("NoExistingContainers", func(t *testing.T) {
		mockDockerClient.On("ContainerList", mock.Anything, mock.Anything).Return([]types.Container{}, nil).Once()
		createAndVerifyManager()
		mockDockerClient.AssertNotCalled(t, "ContainerStop", mock.Anything, mock.Anything, mock.Anything)
		mockDockerClient.AssertNotCalled(t, "ContainerRemove", mock.Anything, mock.Anything, mock.Anything)
		mockDockerClient.AssertExpectations(t)
	})

	t.Run("ExistingContainers", func(t *testing.T) {
		// Mock client methods to simulate the removal of existing containers.
		existingContainers := []types.Container{
			{ID: "container1", Names: []string{"/container1"}},
			{ID: "container2", Names: []string{"/container2"}},
		}
		mockDockerClient.On("ContainerList", mock.Anything, mock.Anything).Return(existingContainers, nil)
		mockDockerClient.On("ContainerStop", mock.Anything, "container1", mock.Anything).Return(nil)
		mockDockerClient.On("ContainerStop", mock.Anything, "container2", mock.Anything).Return(nil)
		mockDockerClient.On("ContainerRemove", mock.Anything, "container1", mock.Anything).Return(nil)
		mockDockerClient.On("ContainerRemove", mock.Anything, "container2", mock.Anything).Return(nil)

		// Verify that existing containers were stopped and removed.
		createAndVerifyManager()
		mockDockerClient.AssertCalled(t, "ContainerStop", mock.Anything, "container1", mock.Anything)
		mockDockerClient.AssertCalled(t, "ContainerStop", mock.Anything, "container2", mock.Anything)
		mockDockerClient.AssertCalled(t, "ContainerRemove", mock.Anything, "container1", mock.Anything)
		mockDockerClient.AssertCalled(t, "ContainerRemove", mock.Anything, "container2", mock.Anything)
		mockDockerClient.AssertExpectations(t)
	})
}

func TestDockerManager_EnsureImageAvailable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(*MockDockerClient)
	}{
		{
			name: "ImageAvailable",
			setup: func(c *MockDockerClient) {
				c.On("ImageInspectWithRaw", mock.Anything, "runpod/base:0.6.2-cuda11.1.1").Return(types.ImageInspect{}, []byte{}, nil).Once()
			},
		},
		{
			name: "ImageNotAvailable",
			setup: func(c *MockDockerClient) {
				c.On("ImageInspectWithRaw", mock.Anything, "runpod/base:0.6.2-cuda11.1.1").Return(types.ImageInspect{}, []byte{}, errors.New("No such image")).Once()
				c.On("ImagePull", mock.Anything, "runpod/base:0.6.2-cuda11.1.1", mock.Anything).Return(io.NopCloser(strings.NewReader("")), nil).Once()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDockerClient := new(MockDockerClient)
			manager := createDockerManager(mockDockerClient)

			tt.setup(mockDockerClient)

			err := manager.EnsureImageAvailable(ctx, "base")
			require.NoError(t, err)
			mockDockerClient.AssertExpectations(t)
		})
	}
}

func TestDockerManager_getContainerImageName(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	manager := createDockerManager(mockDockerClient)
	manager.overrides = ImageOverrides{
		Default:  "beamgrid/runner:latest",
		Runtimes: map[string]string{"pytorch": "beamgrid/runner:pytorch"},
	}

	tests := []struct {
		name          string
		runtime       string
		expectedImage string
	}{
		{
			name:          "override wins over builtin",
			runtime:       "pytorch",
			expectedImage: "beamgrid/runner:pytorch",
		},
		{
			name:          "builtin runtime",
			runtime:       "base",
			expectedImage: "runpod/base:0.6.2-cuda11.1.1",
		},
		{
			name:          "builtin cuda runtime",
			runtime:       "cuda",
			expectedImage: "nvidia/cuda:12.1.0-base-ubuntu22.04",
		},
		{
			name:          "unknown runtime falls back to default",
			runtime:       "triton",
			expectedImage: "beamgrid/runner:latest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image, err := manager.getContainerImageName(tt.runtime)
			require.NoError(t, err)
			require.Equal(t, tt.expectedImage, image)
		})
	}

	t.Run("unknown runtime without default", func(t *testing.T) {
		manager.overrides = ImageOverrides{}
		_, err := manager.getContainerImageName("triton")
		require.Error(t, err)
		require.Equal(t, "no container image found for runtime triton", err.Error())
	})
}

func TestDockerManager_Warm(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := createDockerManager(mockDockerClient)
	dockerManager.gpus = []string{"0"}

	overrideWaitFuncs(t)

	containerID := "container1"
	mockDockerClient.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(container.CreateResponse{ID: containerID}, nil)
	mockDockerClient.On("ContainerStart", mock.Anything, containerID, mock.Anything).Return(nil)
	// The watch routine may fire after the test; let teardown calls through.
	mockDockerClient.On("ContainerStop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mockDockerClient.On("ContainerRemove", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	err := dockerManager.Warm(context.Background(), "base")
	require.NoError(t, err)

	dockerManager.mu.Lock()
	rc, exists := dockerManager.containers["beamgrid_base_8000"]
	dockerManager.mu.Unlock()
	require.True(t, exists)
	require.True(t, rc.KeepWarm)
	require.Equal(t, "0", rc.GPU)
	mockDockerClient.AssertExpectations(t)
}

func TestDockerManager_Stop(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := createDockerManager(mockDockerClient)

	containerID := "container1"
	dockerManager.containers[containerID] = &RunnerContainer{
		Name: containerID,
		RunnerContainerConfig: RunnerContainerConfig{
			ID: containerID,
		},
	}

	mockDockerClient.On("ContainerStop", mock.Anything, containerID, mock.Anything).Return(nil)
	mockDockerClient.On("ContainerRemove", mock.Anything, containerID, mock.Anything).Return(nil)
	err := dockerManager.Stop(context.Background())
	require.NoError(t, err)
	mockDockerClient.AssertExpectations(t)
}

func TestDockerManager_Borrow(t *testing.T) {
	t.Run("ReusesIdleContainer", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		dockerManager := createDockerManager(mockDockerClient)

		rc := &RunnerContainer{
			Name:                  "beamgrid_base_8000",
			RunnerContainerConfig: RunnerContainerConfig{Runtime: "base", GPU: "gpu0"},
		}
		dockerManager.containers[rc.Name] = rc
		dockerManager.gpuContainers["gpu0"] = rc

		got, err := dockerManager.Borrow(context.Background(), "base")
		require.NoError(t, err)
		require.Equal(t, rc, got)
		require.Empty(t, dockerManager.containers, "containers map should be empty")
		mockDockerClient.AssertNotCalled(t, "ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("CreatesContainer", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		dockerManager := createDockerManager(mockDockerClient)
		dockerManager.gpus = []string{"0"}

		overrideWaitFuncs(t)

		containerID := "container1"
		mockDockerClient.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(container.CreateResponse{ID: containerID}, nil)
		mockDockerClient.On("ContainerStart", mock.Anything, containerID, mock.Anything).Return(nil)
		mockDockerClient.On("ContainerStop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
		mockDockerClient.On("ContainerRemove", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

		rc, err := dockerManager.Borrow(context.Background(), "base")
		require.NoError(t, err)
		require.NotNil(t, rc)
		require.Empty(t, dockerManager.containers, "containers map should be empty")
		mockDockerClient.AssertExpectations(t)
	})
}

func TestDockerManager_returnContainer(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := createDockerManager(mockDockerClient)

	rc := &RunnerContainer{
		Name:                  "container1",
		RunnerContainerConfig: RunnerContainerConfig{Runtime: "base"},
	}
	rc.BorrowCtx = context.Background()

	// Ensure the container is not in the pool initially.
	_, exists := dockerManager.containers[rc.Name]
	require.False(t, exists)

	dockerManager.returnContainer(rc)

	returnedContainer, exists := dockerManager.containers[rc.Name]
	require.True(t, exists)
	require.Equal(t, rc, returnedContainer)
	require.Nil(t, rc.BorrowCtx)
}

func TestDockerManager_HasCapacity(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name                string
		setup               func(*DockerManager, *MockDockerClient)
		expectedHasCapacity bool
	}{
		{
			name: "UnusedManagedContainerExists",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
				dockerManager.containers["container1"] = &RunnerContainer{
					RunnerContainerConfig: RunnerContainerConfig{Runtime: "base"},
				}
			},
			expectedHasCapacity: true,
		},
		{
			name: "ImageNotAvailable",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
				mockDockerClient.On("ImageInspectWithRaw", mock.Anything, "runpod/base:0.6.2-cuda11.1.1").Return(types.ImageInspect{}, []byte{}, errors.New("No such image"))
			},
			expectedHasCapacity: false,
		},
		{
			name: "GPUAvailable",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
				mockDockerClient.On("ImageInspectWithRaw", mock.Anything, "runpod/base:0.6.2-cuda11.1.1").Return(types.ImageInspect{}, []byte{}, nil)
			},
			expectedHasCapacity: true,
		},
		{
			name: "GPUUnavailable",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
				mockDockerClient.On("ImageInspectWithRaw", mock.Anything, "runpod/base:0.6.2-cuda11.1.1").Return(types.ImageInspect{}, []byte{}, nil)
				// A busy container holds the only GPU.
				dockerManager.gpuContainers["gpu0"] = &RunnerContainer{
					Name:                  "container1",
					RunnerContainerConfig: RunnerContainerConfig{Runtime: "pytorch"},
				}
			},
			expectedHasCapacity: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDockerClient := new(MockDockerClient)
			dockerManager := createDockerManager(mockDockerClient)

			tt.setup(dockerManager, mockDockerClient)

			hasCapacity := dockerManager.HasCapacity(ctx, "base")
			require.Equal(t, tt.expectedHasCapacity, hasCapacity)

			mockDockerClient.AssertExpectations(t)
		})
	}
}

func TestDockerManager_createContainer(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := createDockerManager(mockDockerClient)
	dockerManager.gpus = []string{"0"}
	dockerManager.runnerEnv = map[string]EnvValue{"LOG_LEVEL": "debug"}

	overrideWaitFuncs(t)

	containerID := "container1"
	var createdConfig *container.Config
	mockDockerClient.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			createdConfig = args.Get(1).(*container.Config)
		}).
		Return(container.CreateResponse{ID: containerID}, nil)
	mockDockerClient.On("ContainerStart", mock.Anything, containerID, mock.Anything).Return(nil)
	mockDockerClient.On("ContainerStop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mockDockerClient.On("ContainerRemove", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	dockerManager.mu.Lock()
	rc, err := dockerManager.createContainer(context.Background(), "pytorch", false)
	dockerManager.mu.Unlock()
	require.NoError(t, err)
	require.NotNil(t, rc)
	require.Equal(t, containerID, rc.ID)
	require.Equal(t, "0", rc.GPU)
	require.Equal(t, "pytorch", rc.Runtime)
	require.Equal(t, "beamgrid_pytorch_8100", rc.Name)
	require.Equal(t, "http://localhost:8100", rc.Endpoint.URL)

	require.NotNil(t, createdConfig)
	require.Equal(t, "runpod/pytorch:2.0.1-py3.10-cuda11.8.0-devel", createdConfig.Image)
	require.Contains(t, createdConfig.Env, "RUNTIME=pytorch")
	require.Contains(t, createdConfig.Env, "DEVICE=0")
	require.Contains(t, createdConfig.Env, "LOG_LEVEL=debug")
	require.Equal(t, containerCreator, createdConfig.Labels[containerCreatorLabel])

	mockDockerClient.AssertExpectations(t)
}

func TestDockerManager_allocGPU(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name                 string
		setup                func(*DockerManager, *MockDockerClient)
		expectedAllocatedGPU string
		errorMessage         string
	}{
		{
			name: "GPUAvailable",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
			},
			expectedAllocatedGPU: "gpu0",
		},
		{
			name: "GPUUnavailable",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
				// A borrowed container holds the only GPU.
				dockerManager.gpuContainers["gpu0"] = &RunnerContainer{
					Name:                  "container1",
					RunnerContainerConfig: RunnerContainerConfig{ID: "container1"},
				}
			},
			errorMessage: core.ErrNoCapacity.Error(),
		},
		{
			name: "GPUUnavailableAndWarm",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
				rc := &RunnerContainer{
					Name:                  "container1",
					RunnerContainerConfig: RunnerContainerConfig{ID: "container1", KeepWarm: true},
				}
				dockerManager.gpuContainers["gpu0"] = rc
				dockerManager.containers["container1"] = rc
			},
			errorMessage: core.ErrNoCapacity.Error(),
		},
		{
			name: "GPUUnavailableButCold",
			setup: func(dockerManager *DockerManager, mockDockerClient *MockDockerClient) {
				rc := &RunnerContainer{
					Name:                  "container1",
					RunnerContainerConfig: RunnerContainerConfig{ID: "container1"},
				}
				dockerManager.gpuContainers["gpu0"] = rc
				dockerManager.containers["container1"] = rc
				// Mock client methods to simulate the removal of the cold container.
				mockDockerClient.On("ContainerStop", mock.Anything, "container1", mock.Anything).Return(nil)
				mockDockerClient.On("ContainerRemove", mock.Anything, "container1", mock.Anything).Return(nil)
			},
			expectedAllocatedGPU: "gpu0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDockerClient := new(MockDockerClient)
			dockerManager := createDockerManager(mockDockerClient)

			tt.setup(dockerManager, mockDockerClient)

			gpu, err := dockerManager.allocGPU(ctx)
			if tt.errorMessage != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errorMessage)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.expectedAllocatedGPU, gpu)
			}
			mockDockerClient.AssertExpectations(t)
		})
	}
}

func TestDockerManager_destroyContainer(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := createDockerManager(mockDockerClient)

	containerID := "container1"
	rc := &RunnerContainer{
		Name: containerID,
		RunnerContainerConfig: RunnerContainerConfig{
			ID:  containerID,
			GPU: "gpu0",
		},
	}
	dockerManager.gpuContainers["gpu0"] = rc
	dockerManager.containers[containerID] = rc

	mockDockerClient.On("ContainerStop", mock.Anything, containerID, mock.Anything).Return(nil)
	mockDockerClient.On("ContainerRemove", mock.Anything, containerID, mock.Anything).Return(nil)

	err := dockerManager.destroyContainer(rc, true)
	require.NoError(t, err)
	require.Empty(t, dockerManager.gpuContainers, "gpuContainers map should be empty")
	require.Empty(t, dockerManager.containers, "containers map should be empty")
	mockDockerClient.AssertExpectations(t)
}

func TestDockerManager_watchContainer(t *testing.T) {
	originalWatchInterval := containerWatchInterval
	containerWatchInterval = 10 * time.Millisecond
	defer func() { containerWatchInterval = originalWatchInterval }()

	setup := func() (*MockDockerClient, *DockerManager, *MockServer, *RunnerContainer) {
		mockDockerClient := new(MockDockerClient)
		dockerManager := createDockerManager(mockDockerClient)

		mockServer := NewMockServer()

		containerID := "container1"
		rc := &RunnerContainer{
			Name: containerID,
			RunnerContainerConfig: RunnerContainerConfig{
				ID: containerID,
			},
			Client: NewRunnerClient(mockServer.URL, "", nil),
		}

		return mockDockerClient, dockerManager, mockServer, rc
	}

	inPool := func(m *DockerManager, name string) func() bool {
		return func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			_, exists := m.containers[name]
			return exists
		}
	}

	t.Run("ReturnContainerOnBorrowDone", func(t *testing.T) {
		mockDockerClient, dockerManager, mockServer, rc := setup()
		defer mockServer.Close()

		mockServer.On("ServeHTTP", "GET", "/health", mock.Anything).Return(200, "application/json", `{"status":"OK"}`).Maybe()
		mockDockerClient.On("ContainerStop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
		mockDockerClient.On("ContainerRemove", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

		borrowCtx, cancel := context.WithCancel(context.Background())
		rc.BorrowCtx = borrowCtx

		go dockerManager.watchContainer(rc)
		cancel()

		require.Eventually(t, inPool(dockerManager, rc.Name), time.Second, 10*time.Millisecond)
	})

	t.Run("ReturnContainerWhenIdle", func(t *testing.T) {
		mockDockerClient, dockerManager, mockServer, rc := setup()
		defer mockServer.Close()

		mockServer.On("ServeHTTP", "GET", "/health", mock.Anything).Return(200, "application/json", `{"status":"IDLE"}`).Maybe()
		mockDockerClient.On("ContainerStop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
		mockDockerClient.On("ContainerRemove", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

		// Borrowed but the runner reports idle, so the watch routine
		// returns it to the pool.
		rc.BorrowCtx = context.Background()

		go dockerManager.watchContainer(rc)

		require.Eventually(t, inPool(dockerManager, rc.Name), time.Second, 10*time.Millisecond)
	})

	t.Run("RemoveFromPoolWhileLoading", func(t *testing.T) {
		mockDockerClient, dockerManager, mockServer, rc := setup()
		defer mockServer.Close()

		mockServer.On("ServeHTTP", "GET", "/health", mock.Anything).Return(200, "application/json", `{"status":"LOADING"}`).Maybe()
		mockDockerClient.On("ContainerStop", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
		mockDockerClient.On("ContainerRemove", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

		dockerManager.containers[rc.Name] = rc

		go dockerManager.watchContainer(rc)

		require.Eventually(t, func() bool { return !inPool(dockerManager, rc.Name)() }, time.Second, 10*time.Millisecond)
	})

	notHealthyTestCases := []struct {
		name            string
		mockServerSetup func(*MockServer)
	}{
		{
			name: "ErrorStatus",
			mockServerSetup: func(mockServer *MockServer) {
				mockServer.On("ServeHTTP", "GET", "/health", mock.Anything).
					Return(200, "application/json", `{"status":"ERROR"}`)
			},
		},
		{
			name: "BadSchema",
			mockServerSetup: func(mockServer *MockServer) {
				mockServer.On("ServeHTTP", "GET", "/health", mock.Anything).
					Return(200, "application/json", `{"status":1}`)
			},
		},
		{
			name: "HTTPError",
			mockServerSetup: func(mockServer *MockServer) {
				mockServer.On("ServeHTTP", "GET", "/health", mock.Anything).
					Return(500, "text/plain", "Error")
			},
		},
		{
			name: "ConnectionRefused",
			mockServerSetup: func(mockServer *MockServer) {
				mockServer.Close()
			},
		},
	}
	for _, tt := range notHealthyTestCases {
		t.Run("DestroyContainerOnNotHealthy_"+tt.name, func(t *testing.T) {
			mockDockerClient, dockerManager, mockServer, rc := setup()
			defer mockServer.Close()
			defer mockDockerClient.AssertExpectations(t)

			tt.mockServerSetup(mockServer)

			// Mock destroyContainer to verify it is called.
			mockDockerClient.On("ContainerStop", mock.Anything, rc.Name, mock.Anything).Return(nil).Once()
			mockDockerClient.On("ContainerRemove", mock.Anything, rc.Name, mock.Anything).Return(nil).Once()

			dockerManager.containers[rc.Name] = rc

			done := make(chan struct{})
			go func() {
				defer close(done)
				dockerManager.watchContainer(rc)
			}()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("watchContainer did not return")
			}

			// Verify that the container was destroyed.
			_, exists := dockerManager.containers[rc.Name]
			require.False(t, exists)
		})
	}
}

func TestRemoveExistingContainers(t *testing.T) {
	t.Run("RemovesOwnAndUnlabeled", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)

		existingContainers := []types.Container{
			{ID: "container1", Names: []string{"/container1"}, Labels: map[string]string{containerCreatorIDLabel: "creator1"}},
			{ID: "container2", Names: []string{"/container2"}},
		}
		mockDockerClient.On("ContainerList", mock.Anything, mock.Anything).Return(existingContainers, nil)
		mockDockerClient.On("ContainerStop", mock.Anything, "container1", mock.Anything).Return(nil)
		mockDockerClient.On("ContainerStop", mock.Anything, "container2", mock.Anything).Return(nil)
		mockDockerClient.On("ContainerRemove", mock.Anything, "container1", mock.Anything).Return(nil)
		mockDockerClient.On("ContainerRemove", mock.Anything, "container2", mock.Anything).Return(nil)

		removed, err := RemoveExistingContainers(context.Background(), mockDockerClient, "creator1")
		require.NoError(t, err)
		require.Equal(t, 2, removed)
		mockDockerClient.AssertExpectations(t)
	})

	t.Run("KeepsOtherCreators", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)

		existingContainers := []types.Container{
			{ID: "container1", Names: []string{"/container1"}, Labels: map[string]string{containerCreatorIDLabel: "creator2"}},
		}
		mockDockerClient.On("ContainerList", mock.Anything, mock.Anything).Return(existingContainers, nil)

		removed, err := RemoveExistingContainers(context.Background(), mockDockerClient, "creator1")
		require.NoError(t, err)
		require.Equal(t, 0, removed)
		mockDockerClient.AssertNotCalled(t, "ContainerStop", mock.Anything, mock.Anything, mock.Anything)
		mockDockerClient.AssertExpectations(t)
	})
}

func TestDockerContainerName(t *testing.T) {
	tests := []struct {
		name         string
		runtime      string
		suffix       []string
		expectedName string
	}{
		{
			name:         "with suffix",
			runtime:      "base",
			suffix:       []string{"8000"},
			expectedName: "beamgrid_base_8000",
		},
		{
			name:         "without suffix",
			runtime:      "pytorch",
			expectedName: "beamgrid_pytorch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := dockerContainerName(tt.runtime, tt.suffix...)
			require.Equal(t, tt.expectedName, name)
		})
	}
}

func TestDockerRemoveContainer(t *testing.T) {
	mockDockerClient := new(MockDockerClient)

	mockDockerClient.On("ContainerStop", mock.Anything, "container1", mock.Anything).Return(nil)
	mockDockerClient.On("ContainerRemove", mock.Anything, "container1", mock.Anything).Return(nil)

	err := dockerRemoveContainer(mockDockerClient, "container1")
	require.NoError(t, err)
	mockDockerClient.AssertExpectations(t)
}

func TestDockerWaitUntilRunning(t *testing.T) {
	containerID := "container1"
	pollingInterval := 10 * time.Millisecond

	t.Run("ContainerRunning", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		mockDockerClient.On("ContainerInspect", mock.Anything, containerID).Return(types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{
					Running: true,
				},
			},
		}, nil).Once()

		err := dockerWaitUntilRunning(context.Background(), mockDockerClient, containerID, pollingInterval)
		require.NoError(t, err)
		mockDockerClient.AssertExpectations(t)
	})

	t.Run("ContainerNotRunningInitially", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		mockDockerClient.On("ContainerInspect", mock.Anything, containerID).Return(types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{
					Running: false,
					Status:  "created",
				},
			},
		}, nil).Once()
		mockDockerClient.On("ContainerInspect", mock.Anything, containerID).Return(types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{
					Running: true,
				},
			},
		}, nil).Once()

		err := dockerWaitUntilRunning(context.Background(), mockDockerClient, containerID, pollingInterval)
		require.NoError(t, err)
		mockDockerClient.AssertExpectations(t)
	})

	t.Run("ContainerExited", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		mockDockerClient.On("ContainerInspect", mock.Anything, containerID).Return(types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{
					Running:  false,
					Status:   "exited",
					ExitCode: 137,
				},
			},
		}, nil).Once()

		err := dockerWaitUntilRunning(context.Background(), mockDockerClient, containerID, pollingInterval)
		require.Error(t, err)
		require.Contains(t, err.Error(), "terminal state before running")
		mockDockerClient.AssertExpectations(t)
	})

	t.Run("ContextTimeout", func(t *testing.T) {
		mockDockerClient := new(MockDockerClient)
		mockDockerClient.On("ContainerInspect", mock.Anything, containerID).Return(types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{
					Running: false,
					Status:  "created",
				},
			},
		}, nil).Maybe()

		ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		defer cancel()

		err := dockerWaitUntilRunning(ctx, mockDockerClient, containerID, pollingInterval)
		require.Error(t, err)
		require.Contains(t, err.Error(), "timed out waiting for managed container")
	})
}

func TestPortOffset(t *testing.T) {
	require.Equal(t, "00", portOffset("0"))
	require.Equal(t, "03", portOffset("3"))
	require.Equal(t, "12", portOffset("12"))
	require.Equal(t, "01", portOffset("emulated-1"))
}

func TestDockerManager_GetCapacity(t *testing.T) {
	mockDockerClient := new(MockDockerClient)
	dockerManager := createDockerManager(mockDockerClient)
	dockerManager.gpus = []string{"0", "1", "2"}

	busy := &RunnerContainer{Name: "busy", RunnerContainerConfig: RunnerContainerConfig{Runtime: "base", GPU: "0"}}
	idle := &RunnerContainer{Name: "idle", RunnerContainerConfig: RunnerContainerConfig{Runtime: "pytorch", GPU: "1"}}
	dockerManager.gpuContainers["0"] = busy
	dockerManager.gpuContainers["1"] = idle
	dockerManager.containers["idle"] = idle

	capacity, gpusIdle := dockerManager.GetCapacity("")
	require.Equal(t, Capacity{ContainersInUse: 1, ContainersIdle: 1}, capacity)
	require.Equal(t, 1, gpusIdle)

	capacity, gpusIdle = dockerManager.GetCapacity("pytorch")
	require.Equal(t, Capacity{ContainersInUse: 0, ContainersIdle: 1}, capacity)
	require.Equal(t, 2, gpusIdle)
}
