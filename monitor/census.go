package monitor

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"contrib.go.opencensus.io/exporter/prometheus"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// numberOfJobsToCalcAverage is the window for the rolling success rate.
const numberOfJobsToCalcAverage = 30

// Enabled true if metrics was enabled in command line
var Enabled bool

type censusMetricsCounter struct {
	nodeType string
	nodeID   string
	ctx      context.Context

	kNodeType  tag.Key
	kNodeID    tag.Key
	kTask      tag.Key
	kRuntime   tag.Key
	kErrorCode tag.Key
	kTry       tag.Key

	mJobReceived      *stats.Int64Measure
	mJobCompleted     *stats.Int64Measure
	mJobFailed        *stats.Int64Measure
	mJobCancelled     *stats.Int64Measure
	mJobTimedOut      *stats.Int64Measure
	mJobRescheduled   *stats.Int64Measure
	mJobDelay         *stats.Float64Measure
	mJobDuration      *stats.Float64Measure
	mJobGPUMemory     *stats.Float64Measure
	mJobCPUMemory     *stats.Float64Measure
	mQueueLength      *stats.Int64Measure
	mWorkersConnected *stats.Int64Measure
	mWorkerEvictions  *stats.Int64Measure
	mContainersInUse  *stats.Int64Measure
	mContainersIdle   *stats.Int64Measure
	mGPUsIdle         *stats.Int64Measure
	mMaxCapacity      *stats.Int64Measure
	mWebhookSent      *stats.Int64Measure
	mWebhookFailed    *stats.Int64Measure
	mSuccessRate      *stats.Float64Measure

	lock     sync.Mutex
	outcomes *jobsAverager
}

// jobsAverager keeps the outcomes of the last N settled jobs in a ring
// so the success rate survives counter resets on scrape gaps.
type jobsAverager struct {
	outcomes []bool
	next     int
	filled   int
}

func newAverager() *jobsAverager {
	return &jobsAverager{outcomes: make([]bool, numberOfJobsToCalcAverage)}
}

func (a *jobsAverager) add(ok bool) {
	a.outcomes[a.next] = ok
	a.next = (a.next + 1) % len(a.outcomes)
	if a.filled < len(a.outcomes) {
		a.filled++
	}
}

func (a *jobsAverager) rate() (float64, bool) {
	if a.filled == 0 {
		return 1, false
	}
	succeeded := 0
	for i := 0; i < a.filled; i++ {
		if a.outcomes[i] {
			succeeded++
		}
	}
	return float64(succeeded) / float64(a.filled), true
}

// Exporter Prometheus exporter that handles `/metrics` endpoint
var Exporter *prometheus.Exporter

var census censusMetricsCounter

// used in unit tests
var unitTestMode bool

func InitCensus(nodeType, nodeID, version string) {
	census = censusMetricsCounter{
		nodeID:   nodeID,
		nodeType: nodeType,
		outcomes: newAverager(),
	}
	var err error
	census.kNodeType, _ = tag.NewKey("node_type")
	census.kNodeID, _ = tag.NewKey("node_id")
	census.kTask, _ = tag.NewKey("task")
	census.kRuntime, _ = tag.NewKey("runtime")
	census.kErrorCode, _ = tag.NewKey("error_code")
	census.kTry, _ = tag.NewKey("try")
	census.ctx, err = tag.New(context.Background(), tag.Insert(census.kNodeType, nodeType), tag.Insert(census.kNodeID, nodeID))
	if err != nil {
		glog.Fatal("Error creating context", err)
	}

	census.mJobReceived = stats.Int64("job_received_total", "JobReceived", "tot")
	census.mJobCompleted = stats.Int64("job_completed_total", "JobCompleted", "tot")
	census.mJobFailed = stats.Int64("job_failed_total", "JobFailed", "tot")
	census.mJobCancelled = stats.Int64("job_cancelled_total", "JobCancelled", "tot")
	census.mJobTimedOut = stats.Int64("job_timed_out_total", "JobTimedOut", "tot")
	census.mJobRescheduled = stats.Int64("job_rescheduled_total", "Number of times a job was handed to another worker", "tot")
	census.mJobDelay = stats.Float64("job_delay_seconds", "Time a job spent in queue before pickup", "sec")
	census.mJobDuration = stats.Float64("job_duration_seconds", "Job execution time", "sec")
	census.mJobGPUMemory = stats.Float64("job_gpu_memory_mb", "GPU memory high-water mark per job", "MB")
	census.mJobCPUMemory = stats.Float64("job_cpu_memory_mb", "Process RSS at the end of a job", "MB")
	census.mQueueLength = stats.Int64("queue_length", "Number of jobs waiting for dispatch", "tot")
	census.mWorkersConnected = stats.Int64("workers_connected", "Number of registered remote workers", "tot")
	census.mWorkerEvictions = stats.Int64("worker_evictions_total", "Workers evicted after missed keepalives", "tot")
	census.mContainersInUse = stats.Int64("runner_containers_in_use", "Runner containers currently borrowed", "tot")
	census.mContainersIdle = stats.Int64("runner_containers_idle", "Runner containers waiting in the pool", "tot")
	census.mGPUsIdle = stats.Int64("gpus_idle", "GPUs with no runner container", "tot")
	census.mMaxCapacity = stats.Int64("max_capacity", "Maximum concurrent jobs this node accepts", "tot")
	census.mWebhookSent = stats.Int64("webhook_sent_total", "Webhook deliveries that succeeded", "tot")
	census.mWebhookFailed = stats.Int64("webhook_failed_total", "Webhook deliveries that failed after retries", "tot")
	census.mSuccessRate = stats.Float64("success_rate", "Success rate", "per")

	glog.Infof("Compiler: %s Arch %s OS %s Go version %s", runtime.Compiler, runtime.GOARCH, runtime.GOOS, runtime.Version())
	glog.Infof("BeamGrid version: %s", version)
	glog.Infof("Node type %s node ID %s", nodeType, nodeID)
	mVersions := stats.Int64("versions", "Version information.", "Num")
	compiler, _ := tag.NewKey("compiler")
	goarch, _ := tag.NewKey("goarch")
	goos, _ := tag.NewKey("goos")
	goversion, _ := tag.NewKey("goversion")
	beamgridversion, _ := tag.NewKey("beamgridversion")
	ctx, err := tag.New(context.Background(), tag.Insert(census.kNodeType, nodeType), tag.Insert(census.kNodeID, nodeID),
		tag.Insert(compiler, runtime.Compiler), tag.Insert(goarch, runtime.GOARCH), tag.Insert(goos, runtime.GOOS),
		tag.Insert(goversion, runtime.Version()), tag.Insert(beamgridversion, version))
	if err != nil {
		glog.Fatal("Error creating tagged context", err)
	}
	baseTags := []tag.Key{census.kNodeID, census.kNodeType}
	taskTags := append([]tag.Key{census.kTask, census.kRuntime}, baseTags...)
	views := []*view.View{
		{
			Name:        "versions",
			Measure:     mVersions,
			Description: "Versions used by the BeamGrid node.",
			TagKeys:     []tag.Key{census.kNodeType, compiler, goos, goversion, beamgridversion},
			Aggregation: view.LastValue(),
		},
		{
			Name:        "job_received_total",
			Measure:     census.mJobReceived,
			Description: "JobReceived",
			TagKeys:     taskTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "job_completed_total",
			Measure:     census.mJobCompleted,
			Description: "JobCompleted",
			TagKeys:     taskTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "job_failed_total",
			Measure:     census.mJobFailed,
			Description: "JobFailed",
			TagKeys:     append([]tag.Key{census.kErrorCode}, taskTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "job_cancelled_total",
			Measure:     census.mJobCancelled,
			Description: "JobCancelled",
			TagKeys:     taskTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "job_timed_out_total",
			Measure:     census.mJobTimedOut,
			Description: "JobTimedOut",
			TagKeys:     taskTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "job_rescheduled_total",
			Measure:     census.mJobRescheduled,
			Description: "Number of times a job was handed to another worker",
			TagKeys:     append([]tag.Key{census.kTry}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "job_delay_seconds",
			Measure:     census.mJobDelay,
			Description: "Time a job spent in queue before pickup",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, .010, .050, .100, .250, .500, 1.000, 2.500, 5.000, 10.000, 30.000, 60.000, 300.000),
		},
		{
			Name:        "job_duration_seconds",
			Measure:     census.mJobDuration,
			Description: "Job execution time",
			TagKeys:     taskTags,
			Aggregation: view.Distribution(0, .100, .250, .500, 1.000, 2.500, 5.000, 10.000, 30.000, 60.000, 120.000, 300.000, 600.000),
		},
		{
			Name:        "job_gpu_memory_mb",
			Measure:     census.mJobGPUMemory,
			Description: "GPU memory high-water mark per job",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 24576, 49152, 81920),
		},
		{
			Name:        "job_cpu_memory_mb",
			Measure:     census.mJobCPUMemory,
			Description: "Process RSS at the end of a job",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768),
		},
		{
			Name:        "queue_length",
			Measure:     census.mQueueLength,
			Description: "Number of jobs waiting for dispatch",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "workers_connected",
			Measure:     census.mWorkersConnected,
			Description: "Number of registered remote workers",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "worker_evictions_total",
			Measure:     census.mWorkerEvictions,
			Description: "Workers evicted after missed keepalives",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "runner_containers_in_use",
			Measure:     census.mContainersInUse,
			Description: "Runner containers currently borrowed",
			TagKeys:     append([]tag.Key{census.kRuntime}, baseTags...),
			Aggregation: view.LastValue(),
		},
		{
			Name:        "runner_containers_idle",
			Measure:     census.mContainersIdle,
			Description: "Runner containers waiting in the pool",
			TagKeys:     append([]tag.Key{census.kRuntime}, baseTags...),
			Aggregation: view.LastValue(),
		},
		{
			Name:        "gpus_idle",
			Measure:     census.mGPUsIdle,
			Description: "GPUs with no runner container",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "max_capacity",
			Measure:     census.mMaxCapacity,
			Description: "Maximum concurrent jobs this node accepts",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "webhook_sent_total",
			Measure:     census.mWebhookSent,
			Description: "Webhook deliveries that succeeded",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "webhook_failed_total",
			Measure:     census.mWebhookFailed,
			Description: "Webhook deliveries that failed after retries",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "success_rate",
			Measure:     census.mSuccessRate,
			Description: "Completed jobs divided by settled jobs over the last window",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
	}
	if err := view.Register(views...); err != nil {
		glog.Fatalf("Failed to register views: %v", err)
	}

	if !unitTestMode {
		registry := rprom.NewRegistry()
		registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
		registry.MustRegister(rprom.NewGoCollector())
		pe, err := prometheus.NewExporter(prometheus.Options{
			Namespace: "beamgrid",
			Registry:  registry,
		})
		if err != nil {
			glog.Fatalf("Failed to create the Prometheus stats exporter: %v", err)
		}
		view.RegisterExporter(pe)
		Exporter = pe
	}
	stats.Record(ctx, mVersions.M(1))
}

func (cen *censusMetricsCounter) taskCtx(task, runtimeName string) context.Context {
	ctx, err := tag.New(cen.ctx, tag.Insert(cen.kTask, task), tag.Insert(cen.kRuntime, runtimeName))
	if err != nil {
		glog.Error("Error creating context", err)
		return cen.ctx
	}
	return ctx
}

func (cen *censusMetricsCounter) sendSuccess() {
	rate, has := cen.outcomes.rate()
	if !has {
		return
	}
	stats.Record(cen.ctx, cen.mSuccessRate.M(rate))
}

func JobReceived(task, runtimeName string) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.taskCtx(task, runtimeName), census.mJobReceived.M(1))
}

func JobStarted(delay time.Duration) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mJobDelay.M(delay.Seconds()))
}

func JobCompleted(task, runtimeName string, dur time.Duration) {
	census.lock.Lock()
	defer census.lock.Unlock()
	census.outcomes.add(true)
	stats.Record(census.taskCtx(task, runtimeName), census.mJobCompleted.M(1), census.mJobDuration.M(dur.Seconds()))
	census.sendSuccess()
}

func JobFailed(task, runtimeName, code string) {
	census.lock.Lock()
	defer census.lock.Unlock()
	census.outcomes.add(false)
	ctx, err := tag.New(census.taskCtx(task, runtimeName), tag.Insert(census.kErrorCode, code))
	if err != nil {
		glog.Error("Error creating context", err)
		return
	}
	stats.Record(ctx, census.mJobFailed.M(1))
	census.sendSuccess()
}

// JobCancelled does not count against the success rate; the client
// asked for it.
func JobCancelled(task, runtimeName string) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.taskCtx(task, runtimeName), census.mJobCancelled.M(1))
}

func JobTimedOut(task, runtimeName string) {
	census.lock.Lock()
	defer census.lock.Unlock()
	census.outcomes.add(false)
	stats.Record(census.taskCtx(task, runtimeName), census.mJobTimedOut.M(1))
	census.sendSuccess()
}

func JobRescheduled(try int) {
	census.lock.Lock()
	defer census.lock.Unlock()
	label := ">10"
	if try < 11 {
		label = strconv.Itoa(try)
	}
	ctx, err := tag.New(census.ctx, tag.Insert(census.kTry, label))
	if err != nil {
		glog.Error("Error creating context", err)
		return
	}
	stats.Record(ctx, census.mJobRescheduled.M(1))
}

// JobResources records the per-job memory numbers, in bytes.
func JobResources(gpuBytes, cpuBytes uint64) {
	census.lock.Lock()
	defer census.lock.Unlock()
	const mb = 1 << 20
	stats.Record(census.ctx,
		census.mJobGPUMemory.M(float64(gpuBytes)/mb),
		census.mJobCPUMemory.M(float64(cpuBytes)/mb))
}

func QueueLength(n int) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mQueueLength.M(int64(n)))
}

func WorkersConnected(n int) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mWorkersConnected.M(int64(n)))
}

func WorkerEvicted() {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mWorkerEvictions.M(1))
}

func RunnerContainersInUse(n int, runtimeName string) {
	census.lock.Lock()
	defer census.lock.Unlock()
	ctx, err := tag.New(census.ctx, tag.Insert(census.kRuntime, runtimeName))
	if err != nil {
		glog.Error("Error creating context", err)
		return
	}
	stats.Record(ctx, census.mContainersInUse.M(int64(n)))
}

func RunnerContainersIdle(n int, runtimeName string) {
	census.lock.Lock()
	defer census.lock.Unlock()
	ctx, err := tag.New(census.ctx, tag.Insert(census.kRuntime, runtimeName))
	if err != nil {
		glog.Error("Error creating context", err)
		return
	}
	stats.Record(ctx, census.mContainersIdle.M(int64(n)))
}

func GPUsIdle(n int) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mGPUsIdle.M(int64(n)))
}

func MaxCapacity(n int) {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mMaxCapacity.M(int64(n)))
}

func WebhookSent() {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mWebhookSent.M(1))
}

func WebhookFailed() {
	census.lock.Lock()
	defer census.lock.Unlock()
	stats.Record(census.ctx, census.mWebhookFailed.M(1))
}
