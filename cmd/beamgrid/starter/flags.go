package starter

import (
	"flag"
)

func NewBeamGridConfig(fs *flag.FlagSet) BeamGridConfig {
	cfg := DefaultBeamGridConfig()

	// Network & Addresses:
	cfg.HTTPAddr = fs.String("httpAddr", *cfg.HTTPAddr, "Address to bind for the public job API and worker RPC")
	cfg.CliAddr = fs.String("cliAddr", *cfg.CliAddr, "Address to bind for CLI commands")
	cfg.ServiceAddr = fs.String("serviceAddr", *cfg.ServiceAddr, "Overrides the address workers use to contact this orchestrator; may be an IP or hostname")

	// Mode:
	cfg.Orchestrator = fs.Bool("orchestrator", *cfg.Orchestrator, "Set to true to be an orchestrator")
	cfg.Worker = fs.Bool("worker", *cfg.Worker, "Set to true to be a standalone worker")
	cfg.OrchAddr = fs.String("orchAddr", *cfg.OrchAddr, "Orchestrator address for a standalone worker to attach to")
	cfg.OrchSecret = fs.String("orchSecret", *cfg.OrchSecret, "Shared secret with the orchestrator as a standalone worker, or path to file")
	cfg.MaxSessions = fs.Int("maxSessions", *cfg.MaxSessions, "Maximum number of jobs executing concurrently on this node")

	// Execution:
	cfg.Runner = fs.Bool("runner", *cfg.Runner, "Set to true to execute jobs in Docker-managed runner containers")
	cfg.RunnerImages = fs.String("runnerImages", *cfg.RunnerImages, `JSON overrides for the runner container images. Example: '{"default": "runpod/base:0.6.2-cuda11.1.1", "runtimes": {"pytorch": "my/pytorch:dev"}}'`)
	cfg.RunnerEnv = fs.String("runnerEnv", *cfg.RunnerEnv, `JSON environment for runner containers. Example: '{"HF_HOME": "/workspace/cache", "VERBOSE_LOGS": true}'`)
	cfg.Nvidia = fs.String("nvidia", *cfg.Nvidia, "Comma-separated list of Nvidia GPU device IDs (or \"all\" for all available devices)")
	cfg.TestInput = fs.String("testInput", *cfg.TestInput, "Path to a JSON job input to execute locally once, printing the result envelope to stdout")

	// API:
	cfg.APIKeys = fs.String("apiKeys", *cfg.APIKeys, "Comma-separated API keys accepted by the public job API; empty leaves it open")

	// Metrics & logging:
	cfg.Monitor = fs.Bool("monitor", *cfg.Monitor, "Set to true to send performance metrics")
	cfg.KafkaBootstrapServers = fs.String("kafkaBootstrapServers", *cfg.KafkaBootstrapServers, "URL of Kafka Bootstrap Servers")
	cfg.KafkaUsername = fs.String("kafkaUser", *cfg.KafkaUsername, "Kafka Username")
	cfg.KafkaPassword = fs.String("kafkaPassword", *cfg.KafkaPassword, "Kafka Password")
	cfg.KafkaEventTopic = fs.String("kafkaEventTopic", *cfg.KafkaEventTopic, "Kafka Topic used to send job events")

	// Datastore:
	cfg.Datadir = fs.String("datadir", *cfg.Datadir, "Directory that data is stored in")

	return cfg
}
