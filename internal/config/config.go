// Package config loads and validates the application configuration:
// a flat Java-properties-style file, overridden by CLI flags, per the
// layering convention this codebase uses for every entrypoint.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ProcessingMode selects the audit consumer's startup positioning
// strategy.
type ProcessingMode string

const (
	ModeStream    ProcessingMode = "STREAM"
	ModeBackfill  ProcessingMode = "BACKFILL"
	ModeTimestamp ProcessingMode = "TIMESTAMP"
	ModeResume    ProcessingMode = "RESUME"
)

// Default values for the configuration surface described in spec.md §6.
const (
	DefaultAuditLogTopic    = "confluent-audit-log-events"
	DefaultConsumerGroupID  = "schema-change-notifier"
	DefaultStateFilePath    = "./schema-change-notifier-state.json"
	DefaultSecurityProtocol = "SASL_SSL"
	DefaultSASLMechanism    = "PLAIN"
	DefaultPollTimeoutMs    = 1000
	DefaultBatchSize        = 100
)

// EnvironmentConfig is a single tenant's Schema Registry credentials.
type EnvironmentConfig struct {
	EnvironmentID           string
	SchemaRegistryURL       string
	SchemaRegistryAPIKey    string
	SchemaRegistryAPISecret string
}

// Validate reports every missing required field in one aggregated error.
func (e EnvironmentConfig) Validate() error {
	var errs []string
	if isBlank(e.EnvironmentID) {
		errs = append(errs, "environment id is required")
	}
	if isBlank(e.SchemaRegistryURL) {
		errs = append(errs, fmt.Sprintf("schema registry url is required for environment: %s", e.EnvironmentID))
	}
	if isBlank(e.SchemaRegistryAPIKey) {
		errs = append(errs, fmt.Sprintf("schema registry api key is required for environment: %s", e.EnvironmentID))
	}
	if isBlank(e.SchemaRegistryAPISecret) {
		errs = append(errs, fmt.Sprintf("schema registry api secret is required for environment: %s", e.EnvironmentID))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Config is the fully-resolved application configuration.
type Config struct {
	AuditLogBootstrapServers string
	AuditLogAPIKey           string
	AuditLogAPISecret        string
	AuditLogTopic            string

	Environments map[string]EnvironmentConfig

	TargetBootstrapServers string
	TargetAPIKey           string
	TargetAPISecret        string
	TargetTopic            string

	TargetSchemaRegistryURL       string
	TargetSchemaRegistryAPIKey    string
	TargetSchemaRegistryAPISecret string

	ProcessingMode  ProcessingMode
	StartTimestamp  string
	EndTimestamp    string
	StopAtCurrent   bool

	ConsumerGroupID string

	IncludeMethods       map[string]struct{}
	IncludeConfigChanges bool
	OnlySuccessful       bool
	SubjectFilters       []string

	EnableDeduplication bool
	StateFilePath       string

	SecurityProtocol string
	SASLMechanism    string

	HealthPort        int
	ProcessingThreads int

	DryRun        bool
	PollTimeoutMs int
	BatchSize     int
}

// New returns a Config populated with the same defaults the original
// tool applies before any file or CLI override is layered in.
func New() *Config {
	return &Config{
		AuditLogTopic: DefaultAuditLogTopic,
		Environments:  make(map[string]EnvironmentConfig),
		ProcessingMode: ModeStream,
		ConsumerGroupID: DefaultConsumerGroupID,
		IncludeMethods: map[string]struct{}{
			"schema-registry.RegisterSchema": {},
			"schema-registry.DeleteSchema":   {},
			"schema-registry.DeleteSubject":  {},
		},
		OnlySuccessful:      true,
		EnableDeduplication: true,
		StateFilePath:       DefaultStateFilePath,
		SecurityProtocol:    DefaultSecurityProtocol,
		SASLMechanism:       DefaultSASLMechanism,
		HealthPort:          0,
		ProcessingThreads:   1,
		PollTimeoutMs:       DefaultPollTimeoutMs,
		BatchSize:           DefaultBatchSize,
	}
}

// AddEnvironment validates and registers an environment's Schema
// Registry credentials.
func (c *Config) AddEnvironment(e EnvironmentConfig) error {
	if err := e.Validate(); err != nil {
		return err
	}
	c.Environments[e.EnvironmentID] = e
	return nil
}

// HasEnvironment reports whether envID is configured for monitoring.
func (c *Config) HasEnvironment(envID string) bool {
	_, ok := c.Environments[envID]
	return ok
}

// SetIncludeConfigChanges toggles inclusion of compatibility/mode
// change events, mutating IncludeMethods the same way the original
// setter does when turned on.
func (c *Config) SetIncludeConfigChanges(include bool) {
	c.IncludeConfigChanges = include
	if include {
		c.IncludeMethods["schema-registry.UpdateCompatibility"] = struct{}{}
		c.IncludeMethods["schema-registry.UpdateMode"] = struct{}{}
	}
}

// Validate aggregates every missing-required-field problem into a
// single error, rather than failing on the first one, so operators
// see the whole picture on one failed start.
func (c *Config) Validate() error {
	var errs []string

	if isBlank(c.AuditLogBootstrapServers) {
		errs = append(errs, "audit.log.bootstrap.servers is required")
	}
	if isBlank(c.AuditLogAPIKey) {
		errs = append(errs, "audit.log.api.key is required")
	}
	if isBlank(c.AuditLogAPISecret) {
		errs = append(errs, "audit.log.api.secret is required")
	}
	if len(c.Environments) == 0 {
		errs = append(errs, "at least one environment must be configured")
	}
	if isBlank(c.TargetBootstrapServers) {
		errs = append(errs, "target.bootstrap.servers is required")
	}
	if isBlank(c.TargetAPIKey) {
		errs = append(errs, "target.api.key is required")
	}
	if isBlank(c.TargetAPISecret) {
		errs = append(errs, "target.api.secret is required")
	}
	if isBlank(c.TargetTopic) {
		errs = append(errs, "target.topic is required")
	}
	if c.ProcessingMode == ModeTimestamp && isBlank(c.StartTimestamp) {
		errs = append(errs, "start.timestamp is required for TIMESTAMP mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MaskedString renders the config for logging with all secrets
// replaced by a masked form; see maskCredential.
func (c *Config) MaskedString() string {
	return fmt.Sprintf(
		"Config{auditBootstrap=%s auditApiKey=%s targetBootstrap=%s targetApiKey=%s targetTopic=%s mode=%s environments=%d}",
		c.AuditLogBootstrapServers,
		maskCredential(c.AuditLogAPIKey, 4),
		c.TargetBootstrapServers,
		maskCredential(c.TargetAPIKey, 4),
		c.TargetTopic,
		c.ProcessingMode,
		len(c.Environments),
	)
}

// maskCredential shows only the first visibleChars characters of
// value, replacing the rest with asterisks; empty values pass through
// unchanged.
func maskCredential(value string, visibleChars int) string {
	if value == "" {
		return value
	}
	if len(value) <= visibleChars {
		return strings.Repeat("*", len(value))
	}
	return value[:visibleChars] + strings.Repeat("*", len(value)-visibleChars)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

var envPropertyPattern = regexp.MustCompile(`^environments\.([^.]+)\.(.+)$`)

// LoadFromFile reads a Java-properties-style file (key=value lines,
// '#' comments, repeatable environments.<envId>.<property> blocks)
// and layers its values onto cfg, leaving fields the file doesn't
// mention untouched.
func LoadFromFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer f.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		idx := strings.IndexAny(line, "=:")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		props[key] = val
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyProperties(cfg, props)
	return nil
}

func applyProperties(cfg *Config, props map[string]string) {
	set := func(key string, dest *string) {
		if v, ok := props[key]; ok {
			*dest = v
		}
	}
	set("audit.log.bootstrap.servers", &cfg.AuditLogBootstrapServers)
	set("audit.log.api.key", &cfg.AuditLogAPIKey)
	set("audit.log.api.secret", &cfg.AuditLogAPISecret)
	set("audit.log.topic", &cfg.AuditLogTopic)

	applyEnvironments(cfg, props)

	set("target.bootstrap.servers", &cfg.TargetBootstrapServers)
	set("target.api.key", &cfg.TargetAPIKey)
	set("target.api.secret", &cfg.TargetAPISecret)
	set("target.topic", &cfg.TargetTopic)
	set("target.schema.registry.url", &cfg.TargetSchemaRegistryURL)
	set("target.schema.registry.api.key", &cfg.TargetSchemaRegistryAPIKey)
	set("target.schema.registry.api.secret", &cfg.TargetSchemaRegistryAPISecret)

	if v, ok := props["processing.mode"]; ok {
		cfg.ProcessingMode = ProcessingMode(strings.ToUpper(v))
	}
	set("start.timestamp", &cfg.StartTimestamp)
	set("end.timestamp", &cfg.EndTimestamp)
	if v, ok := props["stop.at.current"]; ok {
		cfg.StopAtCurrent, _ = strconv.ParseBool(v)
	}

	set("consumer.group.id", &cfg.ConsumerGroupID)

	if v, ok := props["filter.method.names"]; ok {
		cfg.IncludeMethods = toSet(strings.Split(v, ","))
	}
	if v, ok := props["include.config.changes"]; ok {
		include, _ := strconv.ParseBool(v)
		cfg.SetIncludeConfigChanges(include)
	}
	if v, ok := props["filter.subjects"]; ok {
		cfg.SubjectFilters = strings.Split(v, ",")
	}
	if v, ok := props["only.successful"]; ok {
		cfg.OnlySuccessful, _ = strconv.ParseBool(v)
	}

	if v, ok := props["enable.deduplication"]; ok {
		cfg.EnableDeduplication, _ = strconv.ParseBool(v)
	}
	set("state.store.path", &cfg.StateFilePath)

	set("security.protocol", &cfg.SecurityProtocol)
	set("sasl.mechanism", &cfg.SASLMechanism)

	if v, ok := props["health.port"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthPort = n
		}
	}
	if v, ok := props["processing.threads"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProcessingThreads = n
		}
	}
	if v, ok := props["dry.run"]; ok {
		cfg.DryRun, _ = strconv.ParseBool(v)
	}
	if v, ok := props["poll.timeout.ms"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollTimeoutMs = n
		}
	}
	if v, ok := props["batch.size"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
}

func applyEnvironments(cfg *Config, props map[string]string) {
	partial := make(map[string]*EnvironmentConfig)
	for key, val := range props {
		m := envPropertyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		envID, prop := m[1], m[2]
		e, ok := partial[envID]
		if !ok {
			e = &EnvironmentConfig{EnvironmentID: envID}
			partial[envID] = e
		}
		switch prop {
		case "schema.registry.url":
			e.SchemaRegistryURL = val
		case "schema.registry.api.key":
			e.SchemaRegistryAPIKey = val
		case "schema.registry.api.secret":
			e.SchemaRegistryAPISecret = val
		}
	}
	for _, e := range partial {
		if e.SchemaRegistryURL != "" && e.SchemaRegistryAPIKey != "" && e.SchemaRegistryAPISecret != "" {
			cfg.Environments[e.EnvironmentID] = *e
		}
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
