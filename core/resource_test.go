package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceMonitorTracksGPUHighWater(t *testing.T) {
	oldQuery := queryGPUMemory
	oldInterval := resourceSampleInterval
	defer func() {
		queryGPUMemory = oldQuery
		resourceSampleInterval = oldInterval
	}()
	resourceSampleInterval = 5 * time.Millisecond

	const gib = uint64(1) << 30
	var calls atomic.Int64
	queryGPUMemory = func(ctx context.Context) ([]uint64, error) {
		switch calls.Add(1) {
		case 1:
			// baseline before the job starts
			return []uint64{gib}, nil
		case 2, 3:
			return []uint64{3 * gib}, nil
		default:
			// job wound down
			return []uint64{gib}, nil
		}
	}

	mon := StartResourceMonitor(context.Background())
	time.Sleep(30 * time.Millisecond)
	stats := mon.Finish(context.Background())

	assert.Equal(t, 2*gib, stats.GPUMemory)
	assert.Greater(t, stats.CPUMemory, uint64(0))
	assert.Greater(t, stats.Duration, 0.0)
	assert.True(t, stats.EndTime.After(stats.StartTime))
	assert.Equal(t, stats.Took(), stats.EndTime.Sub(stats.StartTime))
}

func TestResourceMonitorNoGPU(t *testing.T) {
	oldQuery := queryGPUMemory
	defer func() { queryGPUMemory = oldQuery }()
	queryGPUMemory = func(ctx context.Context) ([]uint64, error) {
		return nil, errors.New("nvidia-smi not found")
	}

	mon := StartResourceMonitor(context.Background())
	stats := mon.Finish(context.Background())

	assert.Equal(t, uint64(0), stats.GPUMemory)
	assert.Greater(t, stats.CPUMemory, uint64(0))
}

func TestResourceMonitorMultiGPU(t *testing.T) {
	oldQuery := queryGPUMemory
	defer func() { queryGPUMemory = oldQuery }()

	const mib = uint64(1) << 20
	queryGPUMemory = func(ctx context.Context) ([]uint64, error) {
		return []uint64{512 * mib, 256 * mib}, nil
	}

	mon := StartResourceMonitor(context.Background())
	require.Equal(t, 768*mib, mon.baseline)
	stats := mon.Finish(context.Background())
	assert.Equal(t, uint64(0), stats.GPUMemory)
}
