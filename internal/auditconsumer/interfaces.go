package auditconsumer

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaConsumer is the subset of *kafka.Consumer this component
// needs, narrowed to an interface so tests can substitute a fake.
type KafkaConsumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	Assign(partitions []kafka.TopicPartition) error
	Seek(partition kafka.TopicPartition, timeoutMs int) error
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
	OffsetsForTimes(times []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	Commit() ([]kafka.TopicPartition, error)
	Close() error
}

// ConsumerFactory creates the production KafkaConsumer from broker
// connection settings, mirroring the DI factories used elsewhere in
// this codebase for the same reason: tests build in-memory fakes
// instead.
type ConsumerFactory interface {
	CreateConsumer(config map[string]interface{}) (KafkaConsumer, error)
}

// DefaultConsumerFactory builds a real confluent-kafka-go consumer.
type DefaultConsumerFactory struct{}

func (DefaultConsumerFactory) CreateConsumer(config map[string]interface{}) (KafkaConsumer, error) {
	cm := kafka.ConfigMap{}
	for k, v := range config {
		cm[k] = v
	}
	return kafka.NewConsumer(&cm)
}
