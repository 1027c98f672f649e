package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/beamgrid/go-beamgrid/clog"
)

type RunnerContainerType int

const (
	Managed RunnerContainerType = iota
	External
)

// MinRunnerVersion is the oldest runner build a node will drive.
// Runners that predate version reporting are let through.
var MinRunnerVersion = "0.4.0"

type RunnerContainer struct {
	RunnerContainerConfig
	Name    string
	Client  *RunnerClient
	Version string

	// BorrowCtx is set while the container is lent out and watched by
	// the manager to return it once the borrower is done.
	sync.RWMutex
	BorrowCtx context.Context
}

type RunnerEndpoint struct {
	URL   string
	Token string
}

type RunnerContainerConfig struct {
	Type     RunnerContainerType
	Runtime  string
	Endpoint RunnerEndpoint

	// For managed containers only
	ID               string
	GPU              string
	KeepWarm         bool
	containerTimeout time.Duration
}

// Create global references to functions to allow for mocking in tests.
var runnerWaitUntilReadyFunc = runnerWaitUntilReady

func NewRunnerContainer(ctx context.Context, cfg RunnerContainerConfig, name string) (*RunnerContainer, error) {
	// Ensure that timeout is set to a non-zero value.
	timeout := cfg.containerTimeout
	if timeout == 0 {
		timeout = containerTimeout
	}

	client := NewRunnerClient(cfg.Endpoint.URL, cfg.Endpoint.Token, nil)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := runnerWaitUntilReadyFunc(cctx, client, pollingInterval); err != nil {
		return nil, err
	}

	var version string
	hctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()
	health, err := client.Health(hctx)
	if err != nil {
		clog.Warningf(ctx, "Could not fetch runner health name=%s err=%q", name, err)
	} else {
		version = health.Version
	}
	if err := checkRunnerVersion(version); err != nil {
		return nil, err
	}

	return &RunnerContainer{
		RunnerContainerConfig: cfg,
		Name:                  name,
		Client:                client,
		Version:               version,
	}, nil
}

// checkRunnerVersion enforces MinRunnerVersion for runners that report
// a version. An empty version passes.
func checkRunnerVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("unparseable runner version %q: %w", version, err)
	}
	if v.LessThan(semver.MustParse(MinRunnerVersion)) {
		return fmt.Errorf("runner version %s below minimum %s", version, MinRunnerVersion)
	}
	return nil
}

func runnerWaitUntilReady(ctx context.Context, client *RunnerClient, pollingInterval time.Duration) error {
	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

tickerLoop:
	for range ticker.C {
		select {
		case <-ctx.Done():
			return errors.New("timed out waiting for runner")
		default:
			if _, err := client.Health(ctx); err == nil {
				break tickerLoop
			}
		}
	}

	return nil
}
