package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Log-Tools/schema-change-notifier/internal/auditconsumer"
	"github.com/Log-Tools/schema-change-notifier/internal/classify"
	"github.com/Log-Tools/schema-change-notifier/internal/config"
	"github.com/Log-Tools/schema-change-notifier/internal/dedup"
	"github.com/Log-Tools/schema-change-notifier/internal/health"
	"github.com/Log-Tools/schema-change-notifier/internal/logging"
	"github.com/Log-Tools/schema-change-notifier/internal/notifier"
	"github.com/Log-Tools/schema-change-notifier/internal/registry"
	"github.com/Log-Tools/schema-change-notifier/internal/resiliency"
	"github.com/Log-Tools/schema-change-notifier/internal/runner"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

var (
	configPath           string
	auditBootstrap       string
	auditAPIKey          string
	auditAPISecret       string
	targetBootstrap      string
	targetAPIKey         string
	targetAPISecret      string
	outputTopic          string
	processingMode       string
	startTimestamp       string
	endTimestamp         string
	stopAtCurrent        bool
	consumerGroup        string
	includeMethods       []string
	includeConfigChanges bool
	filterSubjects       []string
	enableDedup          bool
	stateFile            string
	securityProtocol     string
	saslMechanism        string
	healthPort           int
	processingThreads    int
	dryRun               bool
	pollTimeoutMs        int
	batchSize            int
	debugLogging         bool
)

var rootCmd = &cobra.Command{
	Use:     "schema-change-notifier",
	Short:   "Watch a Confluent Cloud audit log stream and republish schema registry change notifications",
	Version: "1.0.0",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd)
	},
}

// Execute runs the root command, exiting the process with the
// documented exit codes: 0 on clean shutdown, 1 on configuration
// error or fatal startup failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "path to a properties-style configuration file")
	f.StringVar(&auditBootstrap, "audit-bootstrap-servers", "", "audit log Kafka bootstrap servers")
	f.StringVar(&auditAPIKey, "audit-api-key", "", "audit log Kafka API key")
	f.StringVar(&auditAPISecret, "audit-api-secret", "", "audit log Kafka API secret")
	f.StringVar(&targetBootstrap, "target-bootstrap-servers", "", "target Kafka bootstrap servers")
	f.StringVar(&targetAPIKey, "target-api-key", "", "target Kafka API key")
	f.StringVar(&targetAPISecret, "target-api-secret", "", "target Kafka API secret")
	f.StringVarP(&outputTopic, "output-topic", "o", "", "target notification topic")
	f.StringVarP(&processingMode, "mode", "m", "", "processing mode: STREAM, BACKFILL, TIMESTAMP, RESUME")
	f.StringVar(&startTimestamp, "start-timestamp", "", "start timestamp in epoch milliseconds, required for TIMESTAMP mode")
	f.StringVar(&endTimestamp, "end-timestamp", "", "end timestamp in epoch milliseconds")
	f.BoolVar(&stopAtCurrent, "stop-at-current", false, "stop once every partition reaches its startup end offset")
	f.StringVar(&consumerGroup, "consumer-group", "", "audit consumer group id")
	f.StringSliceVar(&includeMethods, "include-methods", nil, "audit methodNames to process")
	f.BoolVar(&includeConfigChanges, "include-config-changes", false, "also process UpdateCompatibility and UpdateMode events")
	f.StringSliceVar(&filterSubjects, "filter-subjects", nil, "glob patterns (supporting *) restricting which subjects are notified")
	f.BoolVar(&enableDedup, "enable-deduplication", true, "skip republishing events already recorded in the dedup store")
	f.StringVar(&stateFile, "state-file", "", "dedup state file path")
	f.StringVar(&securityProtocol, "security-protocol", "", "Kafka security protocol")
	f.StringVar(&saslMechanism, "sasl-mechanism", "", "Kafka SASL mechanism")
	f.IntVar(&healthPort, "health-port", 0, "health/metrics HTTP port, 0 disables")
	f.IntVar(&processingThreads, "processing-threads", 0, "size of the per-event worker pool")
	f.BoolVar(&dryRun, "dry-run", false, "classify and log notifications without publishing")
	f.IntVar(&pollTimeoutMs, "poll-timeout", 0, "audit consumer poll timeout in milliseconds")
	f.IntVar(&batchSize, "batch-size", 0, "maximum events collected per poll batch")
	f.BoolVar(&debugLogging, "debug", false, "enable verbose logging")
}

func run(cmd *cobra.Command) error {
	cfg := config.New()

	if configPath != "" {
		if err := config.LoadFromFile(cfg, configPath); err != nil {
			return err
		}
	}
	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(debugLogging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()
	log.Info("starting schema-change-notifier", zap.String("config", cfg.MaskedString()))

	return runWithCollaborators(cfg, log)
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("audit-bootstrap-servers") {
		cfg.AuditLogBootstrapServers = auditBootstrap
	}
	if changed("audit-api-key") {
		cfg.AuditLogAPIKey = auditAPIKey
	}
	if changed("audit-api-secret") {
		cfg.AuditLogAPISecret = auditAPISecret
	}
	if changed("target-bootstrap-servers") {
		cfg.TargetBootstrapServers = targetBootstrap
	}
	if changed("target-api-key") {
		cfg.TargetAPIKey = targetAPIKey
	}
	if changed("target-api-secret") {
		cfg.TargetAPISecret = targetAPISecret
	}
	if changed("output-topic") {
		cfg.TargetTopic = outputTopic
	}
	if changed("mode") {
		cfg.ProcessingMode = config.ProcessingMode(strings.ToUpper(processingMode))
	}
	if changed("start-timestamp") {
		cfg.StartTimestamp = startTimestamp
	}
	if changed("end-timestamp") {
		cfg.EndTimestamp = endTimestamp
	}
	if changed("stop-at-current") {
		cfg.StopAtCurrent = stopAtCurrent
	}
	if changed("consumer-group") {
		cfg.ConsumerGroupID = consumerGroup
	}
	if changed("include-methods") {
		set := make(map[string]struct{}, len(includeMethods))
		for _, m := range includeMethods {
			set[m] = struct{}{}
		}
		cfg.IncludeMethods = set
	}
	if changed("include-config-changes") {
		cfg.SetIncludeConfigChanges(includeConfigChanges)
	}
	if changed("filter-subjects") {
		cfg.SubjectFilters = filterSubjects
	}
	if changed("enable-deduplication") {
		cfg.EnableDeduplication = enableDedup
	}
	if changed("state-file") {
		cfg.StateFilePath = stateFile
	}
	if changed("security-protocol") {
		cfg.SecurityProtocol = securityProtocol
	}
	if changed("sasl-mechanism") {
		cfg.SASLMechanism = saslMechanism
	}
	if changed("health-port") {
		cfg.HealthPort = healthPort
	}
	if changed("processing-threads") {
		cfg.ProcessingThreads = processingThreads
	}
	if changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if changed("poll-timeout") {
		cfg.PollTimeoutMs = pollTimeoutMs
	}
	if changed("batch-size") {
		cfg.BatchSize = batchSize
	}
}

func runWithCollaborators(cfg *config.Config, log *zap.Logger) error {
	registryClient := resiliency.NewRegistryClient(registry.NewHTTPClient(cfg.Environments))
	defer registryClient.Close()

	dedupStore := dedup.New(cfg.StateFilePath, log)

	// auto.offset.reset only governs RESUME's first run with no
	// committed offset — every other mode positions itself explicitly
	// via the rebalance callback's Assign/Seek.
	offsetReset := "earliest"
	if cfg.ProcessingMode == config.ModeStream {
		offsetReset = "latest"
	}
	consumerCfg := map[string]interface{}{
		"bootstrap.servers":               cfg.AuditLogBootstrapServers,
		"group.id":                        cfg.ConsumerGroupID,
		"security.protocol":               cfg.SecurityProtocol,
		"sasl.mechanisms":                 cfg.SASLMechanism,
		"sasl.username":                   cfg.AuditLogAPIKey,
		"sasl.password":                   cfg.AuditLogAPISecret,
		"enable.auto.commit":              false,
		"go.application.rebalance.enable": true,
		"auto.offset.reset":               offsetReset,
	}
	kc, err := (auditconsumer.DefaultConsumerFactory{}).CreateConsumer(consumerCfg)
	if err != nil {
		return fmt.Errorf("failed to create audit consumer: %w", err)
	}
	consumer, err := auditconsumer.New(cfg, kc, log)
	if err != nil {
		return fmt.Errorf("failed to position audit consumer: %w", err)
	}

	classifier := classify.New(cfg, registryClient, log)

	var kp notifier.KafkaProducer
	if !cfg.DryRun {
		kp, err = kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.TargetBootstrapServers,
			"security.protocol":  cfg.SecurityProtocol,
			"sasl.mechanisms":    cfg.SASLMechanism,
			"sasl.username":      cfg.TargetAPIKey,
			"sasl.password":      cfg.TargetAPISecret,
			"acks":               "all",
			"enable.idempotence": true,
			"retries":            3,
			"retry.backoff.ms":   1000,
			"batch.size":         16384,
			"linger.ms":          10,
			"compression.type":   "snappy",
		})
		if err != nil {
			return fmt.Errorf("failed to create notification producer: %w", err)
		}
	}
	publisher, err := notifier.New(cfg, kp, log)
	if err != nil {
		return err
	}

	r := runner.New(cfg, consumer, classifier, dedupStore, publisher, registryClient, nil, log)
	if cfg.HealthPort > 0 {
		r.AttachHealth(health.New(cfg.HealthPort, r.Counters(), r.LiveFlag(), log))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info("received shutdown signal")
			r.Stop()
		case <-ctx.Done():
		}
	}()

	r.Run()
	return nil
}
