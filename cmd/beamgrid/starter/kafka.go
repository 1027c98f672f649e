package starter

import (
	"github.com/golang/glog"

	"github.com/beamgrid/go-beamgrid/monitor"
)

func startKafkaProducer(cfg BeamGridConfig, nodeID string) error {
	if *cfg.KafkaBootstrapServers == "" || *cfg.KafkaUsername == "" || *cfg.KafkaPassword == "" || *cfg.KafkaEventTopic == "" {
		glog.Warning("not starting Kafka producer as producer config values aren't present")
		return nil
	}

	var nodeAddress = nodeID
	if cfg.ServiceAddr != nil && *cfg.ServiceAddr != "" {
		nodeAddress = *cfg.ServiceAddr
	}

	return monitor.InitKafkaProducer(
		*cfg.KafkaBootstrapServers,
		*cfg.KafkaUsername,
		*cfg.KafkaPassword,
		*cfg.KafkaEventTopic,
		nodeAddress,
	)
}
