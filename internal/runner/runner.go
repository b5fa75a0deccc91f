// Package runner wires the audit consumer, classifier, dedup store,
// and notification publisher into the main processing loop. See
// spec.md §4.7.
package runner

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Log-Tools/schema-change-notifier/internal/config"
	"github.com/Log-Tools/schema-change-notifier/internal/health"
	"github.com/Log-Tools/schema-change-notifier/internal/model"
)

const (
	statusLogInterval = 60 * time.Second
	batchJoinBound    = 60 * time.Second
	poolStopGrace     = 10 * time.Second
)

// AuditConsumer is the subset of auditconsumer.Consumer the runner
// depends on.
type AuditConsumer interface {
	Poll(timeoutMs int) (*model.AuditEvent, error)
	CommitSync()
	Stop()
	Running() bool
	Done() bool
	Close() error
}

// DedupStore is the subset of dedup.Store the runner depends on.
type DedupStore interface {
	IsDuplicate(key string) bool
	MarkProcessed(key string) bool
	Close() error
}

// Classifier is the subset of classify.Classifier the runner depends on.
type Classifier interface {
	DedupKey(e *model.AuditEvent) string
	Process(e *model.AuditEvent) *model.Notification
}

// Publisher is the subset of notifier.Producer the runner depends on.
type Publisher interface {
	Send(n *model.Notification) bool
	Close()
}

// RegistryCloser closes the registry client; kept separate since the
// runner never calls it for anything but shutdown.
type RegistryCloser interface {
	Close()
}

// Runner drives the poll → classify → publish main loop.
type Runner struct {
	log *zap.Logger

	consumer   AuditConsumer
	classifier Classifier
	dedup      DedupStore
	publisher  Publisher
	registry   RegistryCloser
	health     *health.Server

	batchSize         int
	pollTimeoutMs     int
	processingThreads int
	dedupEnabled      bool

	counters health.Counters
	live     int32

	lastStatusLog time.Time
}

// New assembles a Runner from its already-constructed collaborators.
// Construction ordering is the caller's responsibility (see
// cmd/schema-change-notifier); Run's shutdown closes every
// collaborator (dedup store, publisher, registry client, consumer).
func New(cfg *config.Config, consumer AuditConsumer, classifier Classifier, dedup DedupStore, publisher Publisher, registry RegistryCloser, healthSrv *health.Server, log *zap.Logger) *Runner {
	threads := cfg.ProcessingThreads
	if threads < 1 {
		threads = 1
	}
	return &Runner{
		log:               log,
		consumer:          consumer,
		classifier:        classifier,
		dedup:             dedup,
		publisher:         publisher,
		registry:          registry,
		health:            healthSrv,
		batchSize:         cfg.BatchSize,
		pollTimeoutMs:     cfg.PollTimeoutMs,
		processingThreads: threads,
		dedupEnabled:      cfg.EnableDeduplication,
		live:              1,
		lastStatusLog:     time.Now(),
	}
}

// Counters exposes the runner's live statistics, for wiring into a
// health.Server before Run starts.
func (r *Runner) Counters() *health.Counters { return &r.counters }

// LiveFlag exposes the liveness flag, for wiring into a health.Server.
func (r *Runner) LiveFlag() *int32 { return &r.live }

// AttachHealth wires a health.Server built from this runner's own
// Counters/LiveFlag so it reports this runner's statistics. Must be
// called before Run.
func (r *Runner) AttachHealth(h *health.Server) { r.health = h }

// Stop requests cooperative shutdown of the main loop.
func (r *Runner) Stop() {
	r.consumer.Stop()
}

// Run executes the main loop until the consumer or the runner is
// stopped, or the consumer reaches its configured stop condition.
func (r *Runner) Run() {
	if r.health != nil {
		r.health.Start()
	}

	for r.consumer.Running() && !r.consumer.Done() {
		events := r.pollBatch()
		if len(events) == 0 {
			r.maybeLogStatus()
			continue
		}
		atomic.AddInt64(&r.counters.EventsConsumed, int64(len(events)))

		if r.processingThreads > 1 && len(events) > 1 {
			r.processConcurrently(events)
		} else {
			for _, e := range events {
				r.processEvent(&e)
			}
		}

		r.consumer.CommitSync()
		r.maybeLogStatus()
	}

	r.shutdown()
}

func (r *Runner) pollBatch() []model.AuditEvent {
	var events []model.AuditEvent
	for len(events) < r.batchSize {
		event, err := r.consumer.Poll(r.pollTimeoutMs)
		if err != nil {
			r.log.Error("audit consumer poll failed", zap.Error(err))
			break
		}
		if event == nil {
			break
		}
		events = append(events, *event)
	}
	return events
}

func (r *Runner) processConcurrently(events []model.AuditEvent) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.processingThreads)
	done := make(chan struct{})

	for i := range events {
		wg.Add(1)
		sem <- struct{}{}
		go func(e model.AuditEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			r.processEvent(&e)
		}(events[i])
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(batchJoinBound):
		r.log.Warn("batch processing exceeded join bound, continuing without waiting further")
	}
}

func (r *Runner) processEvent(e *model.AuditEvent) {
	key := r.classifier.DedupKey(e)
	if r.dedupEnabled && r.dedup.IsDuplicate(key) {
		atomic.AddInt64(&r.counters.DuplicatesSkipped, 1)
		return
	}

	n := r.classifier.Process(e)
	if n == nil {
		return
	}
	atomic.AddInt64(&r.counters.EventsProcessed, 1)

	if r.publisher.Send(n) {
		atomic.AddInt64(&r.counters.NotificationsProduced, 1)
		if r.dedupEnabled {
			r.dedup.MarkProcessed(key)
		}
		return
	}
	r.log.Warn("notification publish failed, will retry on a later pass", zap.String("dedupKey", key))
}

func (r *Runner) maybeLogStatus() {
	if time.Since(r.lastStatusLog) < statusLogInterval {
		return
	}
	r.logStatus()
	r.lastStatusLog = time.Now()
}

func (r *Runner) logStatus() {
	r.log.Info("status",
		zap.Int64("eventsConsumed", atomic.LoadInt64(&r.counters.EventsConsumed)),
		zap.Int64("eventsProcessed", atomic.LoadInt64(&r.counters.EventsProcessed)),
		zap.Int64("notificationsProduced", atomic.LoadInt64(&r.counters.NotificationsProduced)),
		zap.Int64("duplicatesSkipped", atomic.LoadInt64(&r.counters.DuplicatesSkipped)),
	)
}

func (r *Runner) shutdown() {
	atomic.StoreInt32(&r.live, 0)

	if r.health != nil {
		if err := r.health.Close(); err != nil {
			r.log.Warn("failed to close health server", zap.Error(err))
		}
	}
	if err := r.dedup.Close(); err != nil {
		r.log.Error("failed to persist dedup state on shutdown", zap.Error(err))
	}
	r.publisher.Close()
	if r.registry != nil {
		r.registry.Close()
	}
	if err := r.consumer.Close(); err != nil {
		r.log.Error("failed to close audit consumer", zap.Error(err))
	}

	r.logStatus()
	r.log.Info("shutdown complete")
}
