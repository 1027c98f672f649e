package starter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"

	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/core"
	"github.com/beamgrid/go-beamgrid/monitor"
	"github.com/beamgrid/go-beamgrid/runner"
	"github.com/beamgrid/go-beamgrid/server"
)

const shutdownTimeout = 10 * time.Second

type BeamGridConfig struct {
	HTTPAddr              *string
	CliAddr               *string
	ServiceAddr           *string
	Orchestrator          *bool
	Worker                *bool
	OrchAddr              *string
	OrchSecret            *string
	MaxSessions           *int
	Runner                *bool
	RunnerImages          *string
	RunnerEnv             *string
	Nvidia                *string
	TestInput             *string
	APIKeys               *string
	Monitor               *bool
	KafkaBootstrapServers *string
	KafkaUsername         *string
	KafkaPassword         *string
	KafkaEventTopic       *string
	Datadir               *string
}

// DefaultBeamGridConfig creates BeamGridConfig exactly the same as when no flags are passed to the beamgrid process.
func DefaultBeamGridConfig() BeamGridConfig {
	// Network & Addresses:
	defaultHTTPAddr := ""
	defaultCliAddr := ""
	defaultServiceAddr := ""

	// Mode:
	defaultOrchestrator := false
	defaultWorker := false
	defaultOrchAddr := ""
	defaultOrchSecret := ""
	defaultMaxSessions := 2

	// Execution:
	defaultRunner := false
	defaultRunnerImages := ""
	defaultRunnerEnv := ""
	defaultNvidia := ""
	defaultTestInput := ""

	// API:
	defaultAPIKeys := ""

	// Metrics & logging:
	defaultMonitor := false
	defaultKafkaBootstrapServers := ""
	defaultKafkaUsername := ""
	defaultKafkaPassword := ""
	defaultKafkaEventTopic := ""

	// Datastore:
	defaultDatadir := ""

	return BeamGridConfig{
		HTTPAddr:    &defaultHTTPAddr,
		CliAddr:     &defaultCliAddr,
		ServiceAddr: &defaultServiceAddr,

		Orchestrator: &defaultOrchestrator,
		Worker:       &defaultWorker,
		OrchAddr:     &defaultOrchAddr,
		OrchSecret:   &defaultOrchSecret,
		MaxSessions:  &defaultMaxSessions,

		Runner:       &defaultRunner,
		RunnerImages: &defaultRunnerImages,
		RunnerEnv:    &defaultRunnerEnv,
		Nvidia:       &defaultNvidia,
		TestInput:    &defaultTestInput,

		APIKeys: &defaultAPIKeys,

		Monitor:               &defaultMonitor,
		KafkaBootstrapServers: &defaultKafkaBootstrapServers,
		KafkaUsername:         &defaultKafkaUsername,
		KafkaPassword:         &defaultKafkaPassword,
		KafkaEventTopic:       &defaultKafkaEventTopic,

		Datadir: &defaultDatadir,
	}
}

func (cfg BeamGridConfig) PrintConfig(w io.Writer) {
	// compare current settings with default values, and print the difference
	defCfg := DefaultBeamGridConfig()
	vDefCfg := reflect.ValueOf(defCfg)
	vCfg := reflect.ValueOf(cfg)
	cfgType := vCfg.Type()
	paramTable := tablewriter.NewWriter(w)

	sensitiveFields := map[string]bool{
		"OrchSecret":    true,
		"APIKeys":       true,
		"KafkaPassword": true,
	}

	for i := 0; i < cfgType.NumField(); i++ {
		if !vDefCfg.Field(i).IsNil() && !vCfg.Field(i).IsNil() && vCfg.Field(i).Elem().Interface() != vDefCfg.Field(i).Elem().Interface() {
			val := fmt.Sprintf("%v", vCfg.Field(i).Elem())
			if _, ok := sensitiveFields[cfgType.Field(i).Name]; ok {
				val = "***"
			}
			paramTable.Append([]string{cfgType.Field(i).Name, val})
		}
	}
	paramTable.SetAlignment(tablewriter.ALIGN_LEFT)
	paramTable.SetCenterSeparator("*")
	paramTable.SetColumnSeparator("|")
	paramTable.Render()
}

// StartBeamGrid starts a node in the configured mode and blocks until
// ctx is cancelled or startup fails.
func StartBeamGrid(ctx context.Context, cfg BeamGridConfig) {
	if *cfg.Orchestrator && *cfg.Worker {
		exit("-orchestrator and -worker are mutually exclusive; use -orchestrator -runner for a combined node")
	}
	if *cfg.MaxSessions <= 0 {
		exit("-maxSessions must be greater than zero")
	}
	if err := validateServiceAddr(*cfg.ServiceAddr); err != nil {
		exit("Invalid -serviceAddr: %v", err)
	}

	datadir := *cfg.Datadir
	if datadir == "" {
		usr, err := user.Current()
		if err != nil {
			exit("Cannot find current user: %v", err)
		}
		datadir = filepath.Join(usr.HomeDir, ".beamgrid")
	}
	if _, err := os.Stat(datadir); os.IsNotExist(err) {
		glog.Infof("Creating data dir: %v", datadir)
		if err := os.MkdirAll(datadir, 0755); err != nil {
			exit("Error creating datadir: %v", err)
		}
	}

	gpus, err := common.ParseNvidiaDevices(*cfg.Nvidia)
	if err != nil {
		exit("Error parsing -nvidia: %v", err)
	}

	if *cfg.TestInput != "" {
		runTestInput(ctx, cfg, datadir, gpus)
		return
	}

	dbh, err := common.InitDB(filepath.Join(datadir, "beamgrid.db"))
	if err != nil {
		exit("Error opening DB: %v", err)
	}
	defer dbh.Close()
	nodeID := ensureNodeID(dbh)
	if err := dbh.SetLastBoot(time.Now().UTC()); err != nil {
		glog.Errorf("Could not record boot time: %v", err)
	}

	node, err := core.NewBeamNode(dbh, datadir)
	if err != nil {
		exit("Error creating node: %v", err)
	}

	nodeType := "default"
	switch {
	case *cfg.Orchestrator:
		node.NodeType = core.OrchestratorNode
		nodeType = "orchestrator"
	case *cfg.Worker:
		node.NodeType = core.WorkerNode
		nodeType = "worker"
	}

	if *cfg.Monitor {
		monitor.Enabled = true
		monitor.InitCensus(nodeType, nodeID, core.BeamGridVersion)
	}
	if err := startKafkaProducer(cfg, nodeID); err != nil {
		exit("Error starting Kafka producer: %v", err)
	}

	secret := *cfg.OrchSecret
	if secret != "" {
		if v, err := common.ReadFromFile(secret); err == nil {
			secret = v
		}
	}
	node.OrchSecret = secret

	exec, stopExec, err := buildExecutor(cfg, node, datadir, gpus, nodeID)
	if err != nil {
		exit("Error building executor: %v", err)
	}
	defer stopExec()
	node.Executor = exec

	switch node.NodeType {
	case core.OrchestratorNode:
		if node.OrchSecret == "" {
			exit("-orchSecret required with -orchestrator")
		}
		node.WorkerManager = core.NewRemoteWorkerManager()
		startOrchestrator(ctx, cfg, node, gpus, datadir)
	case core.WorkerNode:
		if *cfg.OrchAddr == "" {
			exit("-orchAddr required with -worker")
		}
		if node.OrchSecret == "" {
			exit("-orchSecret required with -worker")
		}
		if monitor.Enabled {
			monitor.MaxCapacity(*cfg.MaxSessions)
		}
		glog.Infof("***BeamGrid worker attaching to %s***", *cfg.OrchAddr)
		server.RunWorker(ctx, node, *cfg.OrchAddr, *cfg.MaxSessions, gpus)
	default:
		exit("Select a mode: -orchestrator, -worker or -testInput")
	}
}

// startOrchestrator serves the public API, the worker RPC and the CLI
// webserver, blocking until ctx is cancelled.
func startOrchestrator(ctx context.Context, cfg BeamGridConfig, node *core.BeamNode, gpus []string, datadir string) {
	if err := node.RestoreJobs(ctx); err != nil {
		glog.Errorf("Could not restore persisted jobs: %v", err)
	}

	s, err := server.NewBeamGridServer(node, parseAPIKeys(*cfg.APIKeys), gpus)
	if err != nil {
		exit("Error creating server: %v", err)
	}
	node.OnJobDone = s.JobDoneHook()
	node.Start(ctx)

	httpAddr := defaultAddr(*cfg.HTTPAddr, "0.0.0.0", "7933")
	cliAddr := defaultAddr(*cfg.CliAddr, "127.0.0.1", "7935")

	ec := make(chan error, 1)
	go func() {
		ec <- s.ListenAndServe(ctx, httpAddr, datadir)
	}()

	cliSrv := &http.Server{Addr: cliAddr}
	go s.StartCliWebserver(cliSrv)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		cliSrv.Shutdown(sctx)
	}()

	glog.Infof("***BeamGrid orchestrator serving api=%s cli=%s***", httpAddr, cliAddr)
	select {
	case err := <-ec:
		if err != nil {
			glog.Errorf("Error starting BeamGrid server: %v", err)
		}
	case <-ctx.Done():
	}
}

// buildExecutor picks the execution backend: Docker-managed runner
// containers, a per-GPU load balancer, or a plain in-process executor.
// The second return tears the backend down on shutdown.
func buildExecutor(cfg BeamGridConfig, node *core.BeamNode, datadir string, gpus []string, nodeID string) (core.Executor, func(), error) {
	noop := func() {}
	if *cfg.Runner {
		var overrides runner.ImageOverrides
		if *cfg.RunnerImages != "" {
			if err := json.Unmarshal([]byte(*cfg.RunnerImages), &overrides); err != nil {
				return nil, noop, fmt.Errorf("parsing -runnerImages: %w", err)
			}
		}
		runnerEnv := map[string]runner.EnvValue{}
		if *cfg.RunnerEnv != "" {
			if err := json.Unmarshal([]byte(*cfg.RunnerEnv), &runnerEnv); err != nil {
				return nil, noop, fmt.Errorf("parsing -runnerEnv: %w", err)
			}
		}
		creatorID := *cfg.ServiceAddr
		if creatorID == "" {
			creatorID = nodeID
		}
		r, err := runner.NewRunner(overrides, runnerEnv, gpus, filepath.Join(datadir, "jobs"), creatorID)
		if err != nil {
			return nil, noop, err
		}
		stop := func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			r.Stop(sctx)
		}
		return r, stop, nil
	}

	emit := func(jobID string, val core.EncodedValue) {
		node.PublishPartial(jobID, val)
	}
	if len(gpus) > 0 {
		devices := make([]string, len(gpus))
		for i, id := range gpus {
			devices[i] = "cuda:" + id
		}
		lb := core.NewLoadBalancingExecutor(devices, func(device string) core.ExecutorSession {
			return core.NewLocalExecutor(node.Registry, device, datadir, emit)
		})
		return lb, noop, nil
	}
	return core.NewLocalExecutor(node.Registry, "cpu", datadir, emit), noop, nil
}

// runTestInput executes one job from a JSON file and prints the result
// envelope to stdout. No servers are started.
func runTestInput(ctx context.Context, cfg BeamGridConfig, datadir string, gpus []string) {
	input, err := os.ReadFile(*cfg.TestInput)
	if err != nil {
		exit("Error reading -testInput: %v", err)
	}

	node, err := core.NewBeamNode(nil, datadir)
	if err != nil {
		exit("Error creating node: %v", err)
	}
	exec, stopExec, err := buildExecutor(cfg, node, datadir, gpus, "local")
	if err != nil {
		exit("Error building executor: %v", err)
	}
	defer stopExec()
	node.Executor = exec

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	node.Start(runCtx)

	job, err := node.SubmitJob(runCtx, input, "")
	if err != nil {
		exit("Error submitting test job: %v", err)
	}
	final, err := node.WaitForJob(runCtx, job.ID)
	if err != nil {
		exit("Error waiting for test job: %v", err)
	}
	buf, err := json.MarshalIndent(map[string]interface{}{
		"id":     final.ID,
		"status": final.Status.String(),
		"result": final.Result,
	}, "", "  ")
	if err != nil {
		exit("Error marshalling test result: %v", err)
	}
	fmt.Println(string(buf))
}

func ensureNodeID(dbh *common.DB) string {
	if id, err := dbh.GetKV("nodeID"); err == nil && id != "" {
		return id
	}
	id := "node-" + common.RandName()
	if err := dbh.SetKV("nodeID", id); err != nil {
		glog.Errorf("Could not persist node ID: %v", err)
	}
	return id
}

// validateServiceAddr rejects advertised addresses other nodes could
// never reach. Bare host:port values are tolerated.
func validateServiceAddr(addr string) error {
	if addr == "" {
		return nil
	}
	if !strings.Contains(addr, "://") {
		addr = "https://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return err
	}
	if !common.ValidateServiceURI(u) {
		return fmt.Errorf("%s is not a routable address", u.Host)
	}
	return nil
}

func parseAPIKeys(keys string) []string {
	if keys == "" {
		return nil
	}
	var out []string
	for _, k := range strings.Split(keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func defaultAddr(addr, defaultHost, defaultPort string) string {
	if addr == "" {
		return defaultHost + ":" + defaultPort
	}

	if addr[0] == ':' {
		return defaultHost + addr
	}
	// not IPv6 safe
	if !strings.Contains(addr, ":") {
		return addr + ":" + defaultPort
	}
	return addr
}

func exit(msg string, args ...any) {
	glog.Errorf(msg, args...)
	os.Exit(2)
}
