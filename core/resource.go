package core

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/beamgrid/go-beamgrid/clog"
	"github.com/beamgrid/go-beamgrid/common"
)

// resourceSampleInterval is how often GPU memory is sampled during a
// run; a variable so tests can shrink it.
var resourceSampleInterval = 500 * time.Millisecond

// queryGPUMemory returns the memory in use on each visible GPU, in
// bytes. Overridden in tests.
var queryGPUMemory = queryGPUMemoryDefault

func queryGPUMemoryDefault(ctx context.Context) ([]uint64, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, err
	}
	var used []uint64
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mib, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return nil, err
		}
		used = append(used, mib<<20)
	}
	return used, nil
}

func sumGPUMemory(used []uint64) uint64 {
	var total uint64
	for _, u := range used {
		total += u
	}
	return total
}

// processRSS reports the resident set size of this process, in bytes.
func processRSS() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}

// ClearMemory releases what the runtime can give back between runs.
func ClearMemory() {
	runtime.GC()
}

// ResourceMonitor tracks the GPU memory high-water mark over a single
// job. The baseline taken at start is subtracted so only the job's own
// allocations count. Hosts without GPUs simply report zero.
type ResourceMonitor struct {
	start    time.Time
	baseline uint64

	mu   sync.Mutex
	peak uint64

	quit chan struct{}
	done chan struct{}
}

func StartResourceMonitor(ctx context.Context) *ResourceMonitor {
	m := &ResourceMonitor{
		start: time.Now().UTC(),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if used, err := queryGPUMemory(ctx); err == nil {
		m.baseline = sumGPUMemory(used)
	} else {
		clog.V(common.VERBOSE).Infof(ctx, "GPU memory not readable err=%q", err)
	}
	go m.sampleLoop(ctx)
	return m
}

func (m *ResourceMonitor) sampleLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(resourceSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *ResourceMonitor) sample(ctx context.Context) {
	used, err := queryGPUMemory(ctx)
	if err != nil {
		return
	}
	total := sumGPUMemory(used)
	if total <= m.baseline {
		return
	}
	delta := total - m.baseline
	m.mu.Lock()
	if delta > m.peak {
		m.peak = delta
	}
	m.mu.Unlock()
}

// Finish takes a final sample, stops the sampler and returns the
// completed stats. Call it exactly once.
func (m *ResourceMonitor) Finish(ctx context.Context) ExecutionStats {
	m.sample(ctx)
	close(m.quit)
	<-m.done
	end := time.Now().UTC()

	m.mu.Lock()
	peak := m.peak
	m.mu.Unlock()

	return ExecutionStats{
		StartTime: m.start,
		EndTime:   end,
		Duration:  end.Sub(m.start).Seconds(),
		GPUMemory: peak,
		CPUMemory: processRSS(),
	}
}
