package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	KafkaBatchInterval  = 1 * time.Second
	KafkaRequestTimeout = 60 * time.Second
	KafkaBatchSize      = 100
	KafkaChannelSize    = 100
)

// Job lifecycle event types shipped to Kafka.
const (
	EventJobSubmitted    = "job_submitted"
	EventJobStarted      = "job_started"
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventJobCancelled    = "job_cancelled"
	EventJobTimedOut     = "job_timed_out"
	EventWorkerConnected = "worker_connected"
	EventWorkerEvicted   = "worker_evicted"
	EventQueuePurged     = "queue_purged"
)

type KafkaProducer struct {
	writer      *kafka.Writer
	topic       string
	events      chan NodeEvent
	nodeAddress string
}

type NodeEvent struct {
	ID        *string `json:"id,omitempty"`
	Type      *string `json:"type"`
	Timestamp *string `json:"timestamp"`
	Node      *string `json:"node,omitempty"`
	Data      any     `json:"data"`
}

// JobEvent is the Data payload for job lifecycle events.
type JobEvent struct {
	JobID      string `json:"job_id"`
	Task       string `json:"task,omitempty"`
	Runtime    string `json:"runtime,omitempty"`
	Status     string `json:"status,omitempty"`
	WorkerID   string `json:"worker_id,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WorkerEvent is the Data payload for worker lifecycle events.
type WorkerEvent struct {
	WorkerID string `json:"worker_id"`
	Addr     string `json:"addr,omitempty"`
	Version  string `json:"version,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
}

// QueueEvent is the Data payload for queue wide events.
type QueueEvent struct {
	Purged int `json:"purged"`
}

var kafkaProducer *KafkaProducer

func InitKafkaProducer(bootstrapServers, user, password, topic, nodeAddress string) error {
	producer, err := newKafkaProducer(bootstrapServers, user, password, topic, nodeAddress)
	if err != nil {
		return err
	}
	kafkaProducer = producer
	go producer.processEvents()
	return nil
}

func newKafkaProducer(bootstrapServers, user, password, topic, nodeAddress string) (*KafkaProducer, error) {
	dialer := &kafka.Dialer{
		Timeout:   KafkaRequestTimeout,
		DualStack: true,
	}

	if user != "" && password != "" {
		tls := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		sasl := &plain.Mechanism{
			Username: user,
			Password: password,
		}
		dialer.SASLMechanism = sasl
		dialer.TLS = tls
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  []string{bootstrapServers},
		Topic:    topic,
		Balancer: kafka.CRC32Balancer{},
		Dialer:   dialer,
	})

	return &KafkaProducer{
		writer:      writer,
		topic:       topic,
		events:      make(chan NodeEvent, KafkaChannelSize),
		nodeAddress: nodeAddress,
	}, nil
}

func (p *KafkaProducer) processEvents() {
	ticker := time.NewTicker(KafkaBatchInterval)
	defer ticker.Stop()

	var eventsBatch []kafka.Message

	for {
		select {
		case event := <-p.events:
			value, err := json.Marshal(event)
			if err != nil {
				glog.Errorf("error while marshalling node event to Kafka, err=%v", err)
				continue
			}

			msg := kafka.Message{
				Key:   []byte(*event.ID),
				Value: value,
			}
			eventsBatch = append(eventsBatch, msg)

			// Send batch if it reaches the defined size
			if len(eventsBatch) >= KafkaBatchSize {
				p.sendBatch(eventsBatch)
				eventsBatch = nil
			}

		case <-ticker.C:
			if len(eventsBatch) > 0 {
				p.sendBatch(eventsBatch)
				eventsBatch = nil
			}
		}
	}
}

func (p *KafkaProducer) sendBatch(eventsBatch []kafka.Message) {
	// We retry sending messages to Kafka in case of a failure
	kafkaWriteRetries := 3
	var writeErr error
	for i := 0; i < kafkaWriteRetries; i++ {
		writeErr = p.writer.WriteMessages(context.Background(), eventsBatch...)
		if writeErr == nil {
			return
		}
		glog.Warningf("error while sending node event batch to Kafka, retrying, topic=%s, try=%d, err=%v", p.topic, i, writeErr)
	}
	if writeErr != nil {
		glog.Errorf("error while sending node event batch to Kafka, the events are lost, err=%v", writeErr)
	}
}

// SendJobEventAsync queues an event for the batch writer. Events are
// dropped rather than blocking the job path when the queue is full.
func SendJobEventAsync(eventType string, data any) {
	if kafkaProducer == nil {
		return
	}

	randomID := uuid.New().String()
	timestampMs := time.Now().UnixMilli()

	event := NodeEvent{
		ID:        stringPtr(randomID),
		Node:      stringPtr(kafkaProducer.nodeAddress),
		Type:      &eventType,
		Timestamp: stringPtr(fmt.Sprint(timestampMs)),
		Data:      data,
	}

	select {
	case kafkaProducer.events <- event:
	default:
		glog.Warningf("kafka producer event queue is full, dropping event %q", eventType)
	}
}

func stringPtr(s string) *string {
	return &s
}
