// Package auditconsumer positions a Kafka consumer over the
// Confluent Cloud audit log topic and yields parsed audit events. See
// spec.md §4.4.
package auditconsumer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/Log-Tools/schema-change-notifier/internal/config"
	"github.com/Log-Tools/schema-change-notifier/internal/model"
)

const closeTimeout = 10 * time.Second

// Consumer positions itself on the audit log topic per the configured
// ProcessingMode and yields parsed AuditEvents.
type Consumer struct {
	log   *zap.Logger
	kafka KafkaConsumer
	topic string
	mode  config.ProcessingMode

	startTimestampMs int64 // 0 if unset
	endTimestampMs   int64 // 0 if unset
	stopAtCurrent    bool

	mu              sync.Mutex
	endOffsets      map[int32]int64 // watermark captured at assignment, for stopAtCurrent
	atTarget        map[int32]bool
	assignedCount   int

	running int32
	done    int32
}

// New builds a Consumer. kc must already be constructed (see
// DefaultConsumerFactory) but not yet subscribed.
func New(cfg *config.Config, kc KafkaConsumer, log *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		log:           log,
		kafka:         kc,
		topic:         cfg.AuditLogTopic,
		mode:          cfg.ProcessingMode,
		stopAtCurrent: cfg.StopAtCurrent,
		endOffsets:    make(map[int32]int64),
		atTarget:      make(map[int32]bool),
		running:       1,
	}

	if cfg.StartTimestamp != "" {
		ts, err := strconv.ParseInt(cfg.StartTimestamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start.timestamp %q: %w", cfg.StartTimestamp, err)
		}
		c.startTimestampMs = ts
	}
	if cfg.EndTimestamp != "" {
		ts, err := strconv.ParseInt(cfg.EndTimestamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid end.timestamp %q: %w", cfg.EndTimestamp, err)
		}
		c.endTimestampMs = ts
	}
	if c.mode == config.ModeTimestamp && c.startTimestampMs == 0 {
		return nil, fmt.Errorf("start.timestamp is required for TIMESTAMP mode")
	}

	if err := kc.Subscribe(c.topic, c.rebalance); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}
	return c, nil
}

// rebalance is invoked by the underlying client on every partition
// assignment or revocation. It implements the mode-specific
// positioning: STREAM seeks to the end, BACKFILL seeks to the
// beginning, TIMESTAMP seeks via OffsetsForTimes, RESUME leaves the
// default (committed-offset) assignment untouched.
func (c *Consumer) rebalance(kc *kafka.Consumer, ev kafka.Event) error {
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		return c.handleAssign(e.Partitions)
	case kafka.RevokedPartitions:
		return kc.Unassign()
	}
	return nil
}

func (c *Consumer) handleAssign(partitions []kafka.TopicPartition) error {
	c.mu.Lock()
	c.assignedCount = len(partitions)
	c.atTarget = make(map[int32]bool, len(partitions))
	c.mu.Unlock()

	switch c.mode {
	case config.ModeStream:
		for i := range partitions {
			partitions[i].Offset = kafka.OffsetEnd
		}
	case config.ModeBackfill:
		for i := range partitions {
			partitions[i].Offset = kafka.OffsetBeginning
		}
	case config.ModeTimestamp:
		toResolve := make([]kafka.TopicPartition, len(partitions))
		for i, p := range partitions {
			toResolve[i] = kafka.TopicPartition{
				Topic:     p.Topic,
				Partition: p.Partition,
				Offset:    kafka.Offset(c.startTimestampMs),
			}
		}
		resolved, err := c.kafka.OffsetsForTimes(toResolve, 10_000)
		if err != nil {
			c.log.Warn("offsetsForTimes lookup failed, falling back to end", zap.Error(err))
			for i := range partitions {
				partitions[i].Offset = kafka.OffsetEnd
			}
			break
		}
		for i, p := range resolved {
			if p.Offset < 0 {
				partitions[i].Offset = kafka.OffsetEnd
			} else {
				partitions[i].Offset = p.Offset
			}
		}
	case config.ModeResume:
		// leave committed offsets as assigned
	}

	if err := c.kafka.Assign(partitions); err != nil {
		return fmt.Errorf("failed to assign partitions: %w", err)
	}

	// BACKFILL snapshots its stop point when told to run only to the
	// current end; TIMESTAMP snapshots it when an end timestamp is
	// configured, independent of stopAtCurrent.
	snapshotEndOffsets := (c.mode == config.ModeBackfill && c.stopAtCurrent) ||
		(c.mode == config.ModeTimestamp && c.endTimestampMs > 0)
	if snapshotEndOffsets {
		c.mu.Lock()
		for _, p := range partitions {
			_, high, err := c.kafka.QueryWatermarkOffsets(*p.Topic, p.Partition, 10_000)
			if err != nil {
				c.log.Warn("failed to query watermark offsets", zap.Int32("partition", p.Partition), zap.Error(err))
				continue
			}
			c.endOffsets[p.Partition] = high
		}
		c.mu.Unlock()
	}
	return nil
}

// Poll returns the next parsed audit event, or nil if the poll
// interval elapsed without one, or if the record could not be
// parsed (a parse failure is logged and skipped, never fatal).
//
// Once the configured stop condition is reached, Done reports true.
// A stopAtCurrent boundary is inclusive per partition: the triggering
// record is still returned, and Done waits for every assigned
// partition to reach it. An endTimestamp boundary is inclusive too —
// only a record whose timestamp exceeds it is dropped — but stops the
// whole consumer the moment any single record crosses it, matching
// the global (not per-partition) stop semantics of a bounded replay.
func (c *Consumer) Poll(timeoutMs int) (*model.AuditEvent, error) {
	ev := c.kafka.Poll(timeoutMs)
	switch e := ev.(type) {
	case *kafka.Message:
		return c.handleMessage(e)
	case kafka.Error:
		return nil, fmt.Errorf("kafka consumer error: %w", e)
	default:
		return nil, nil
	}
}

func (c *Consumer) handleMessage(m *kafka.Message) (*model.AuditEvent, error) {
	partition := m.TopicPartition.Partition
	offset := int64(m.TopicPartition.Offset)

	if c.endTimestampMs > 0 && m.Timestamp.UnixMilli() > c.endTimestampMs {
		atomic.StoreInt32(&c.done, 1)
		return nil, nil
	}

	reachedBoundary := false
	if c.stopAtCurrent {
		c.mu.Lock()
		end, ok := c.endOffsets[partition]
		c.mu.Unlock()
		if ok && offset >= end-1 {
			reachedBoundary = true
		}
	}

	var event model.AuditEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		c.log.Warn("skipping unparseable audit record",
			zap.Int32("partition", partition), zap.Int64("offset", offset), zap.Error(err))
		if reachedBoundary {
			c.markPartitionDone(partition)
		}
		return nil, nil
	}

	if reachedBoundary {
		c.markPartitionDone(partition)
	}
	return &event, nil
}

func (c *Consumer) markPartitionDone(partition int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.atTarget[partition] = true
	if c.assignedCount > 0 && len(c.atTarget) >= c.assignedCount {
		atomic.StoreInt32(&c.done, 1)
	}
}

// Done reports whether the configured stop condition has been reached:
// every assigned partition reached its captured end offset
// (stopAtCurrent), or any record crossed the end timestamp. In STREAM
// and RESUME modes no end offsets are captured, so only an end
// timestamp can make Done true there.
func (c *Consumer) Done() bool {
	return atomic.LoadInt32(&c.done) == 1
}

// CommitSync commits the current consumer position. A commit failure
// is logged but never treated as fatal — the next successful commit
// will still advance the group's offsets.
func (c *Consumer) CommitSync() {
	if _, err := c.kafka.Commit(); err != nil {
		c.log.Warn("failed to commit offsets", zap.Error(err))
	}
}

// Stop requests that the consuming loop wind down.
func (c *Consumer) Stop() {
	atomic.StoreInt32(&c.running, 0)
}

// Running reports whether Stop has not yet been called.
func (c *Consumer) Running() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// Close releases the underlying Kafka client.
func (c *Consumer) Close() error {
	done := make(chan error, 1)
	go func() { done <- c.kafka.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeTimeout):
		return fmt.Errorf("timed out closing audit consumer after %s", closeTimeout)
	}
}
