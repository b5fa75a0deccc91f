// Package notifier publishes enriched notifications to the target
// Kafka topic, pre-registering the value schema at construction. See
// spec.md §4.6.
package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Log-Tools/schema-change-notifier/internal/config"
	"github.com/Log-Tools/schema-change-notifier/internal/model"
)

const (
	sendTimeout   = 30 * time.Second
	closeTimeout  = 10 * time.Second
	schemaSuffix  = "-value"
)

// KafkaProducer is the subset of *kafka.Producer this component needs.
type KafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Error is a fatal condition raised during construction: the value
// schema could not be registered.
type Error struct {
	Subject string
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("notification publisher: failed to register schema for subject %s: %v", e.Subject, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Producer publishes notifications to the target topic.
type Producer struct {
	log     *zap.Logger
	kafka   KafkaProducer
	topic   string
	dryRun  bool
}

type registerSchemaRequest struct {
	Schema string `json:"schema"`
}

type registerSchemaResponse struct {
	ID int `json:"id"`
}

// New constructs a Producer, registering the notification schema
// under "<targetTopic>-value" unless dryRun is set. A registration
// failure is fatal and returned as *Error.
func New(cfg *config.Config, kp KafkaProducer, log *zap.Logger) (*Producer, error) {
	p := &Producer{
		log:    log,
		kafka:  kp,
		topic:  cfg.TargetTopic,
		dryRun: cfg.DryRun,
	}

	if cfg.DryRun {
		log.Info("dry run: skipping notification schema registration")
		return p, nil
	}

	subject := cfg.TargetTopic + schemaSuffix
	client := resty.New().
		SetBaseURL(normalizeURL(cfg.TargetSchemaRegistryURL)).
		SetTimeout(40 * time.Second).
		SetHeader("Accept", "application/vnd.schemaregistry.v1+json").
		SetBasicAuth(cfg.TargetSchemaRegistryAPIKey, cfg.TargetSchemaRegistryAPISecret)

	var result registerSchemaResponse
	resp, err := client.R().
		SetBody(registerSchemaRequest{Schema: notificationSchema}).
		SetResult(&result).
		Post(fmt.Sprintf("/subjects/%s/versions", subject))
	if err != nil {
		return nil, &Error{Subject: subject, Cause: err}
	}
	if resp.IsError() {
		return nil, &Error{Subject: subject, Cause: fmt.Errorf("status %d: %s", resp.StatusCode(), string(resp.Body()))}
	}

	log.Info("registered notification schema", zap.String("subject", subject), zap.Int("schemaId", result.ID))
	return p, nil
}

func normalizeURL(url string) string {
	for len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	return url
}

// Send publishes n and blocks for confirmation up to 30s. Returns
// true iff the broker confirmed the write without error. In dry run
// mode, it logs intent and returns true without sending.
func (p *Producer) Send(n *model.Notification) bool {
	if p.dryRun {
		p.log.Info("dry run: would publish notification", zap.String("subject", n.Subject), zap.String("eventType", string(n.EventType)))
		return true
	}

	value, err := json.Marshal(n)
	if err != nil {
		p.log.Error("failed to encode notification", zap.Error(err))
		return false
	}

	deliveryChan := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(n.RecordKey()),
		Value:          value,
	}
	if err := p.kafka.Produce(msg, deliveryChan); err != nil {
		p.log.Error("failed to submit notification for publish", zap.Error(err))
		return false
	}

	select {
	case ev := <-deliveryChan:
		m, ok := ev.(*kafka.Message)
		if !ok {
			p.log.Error("unexpected delivery event type")
			return false
		}
		if m.TopicPartition.Error != nil {
			p.log.Error("notification publish failed", zap.Error(m.TopicPartition.Error))
			return false
		}
		return true
	case <-time.After(sendTimeout):
		p.log.Error("timed out waiting for publish confirmation", zap.String("subject", n.Subject))
		return false
	}
}

// Close flushes then closes the underlying producer, bounded by a 10s
// timeout.
func (p *Producer) Close() {
	if p.kafka == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		p.kafka.Flush(int(closeTimeout.Milliseconds()))
		p.kafka.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		p.log.Warn("timed out closing notification producer")
	}
}

// notificationSchema is the Avro schema registered for the
// notification envelope. Fields mirror the envelope fields of
// model.Notification; optional fields are unions with null to match
// the omitempty JSON encoding. The variant bodies
// (data_contract_registered, data_contract_deleted, subject_deleted,
// compatibility_updated, mode_updated) are not part of this schema.
const notificationSchema = `{
  "type": "record",
  "name": "SchemaChangeNotification",
  "namespace": "io.confluent.schemachange",
  "fields": [
    {"name": "event_type", "type": "string"},
    {"name": "schema_id", "type": ["null", "int"], "default": null},
    {"name": "subject", "type": ["null", "string"], "default": null},
    {"name": "version", "type": ["null", "int"], "default": null},
    {"name": "schema_type", "type": ["null", "string"], "default": null},
    {"name": "timestamp", "type": "string"},
    {"name": "audit_log_event_id", "type": ["null", "string"], "default": null},
    {"name": "environment_id", "type": ["null", "string"], "default": null}
  ]
}`
