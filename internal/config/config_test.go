package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, DefaultAuditLogTopic, cfg.AuditLogTopic)
	assert.Equal(t, ModeStream, cfg.ProcessingMode)
	assert.Equal(t, DefaultConsumerGroupID, cfg.ConsumerGroupID)
	assert.True(t, cfg.OnlySuccessful)
	assert.True(t, cfg.EnableDeduplication)
	assert.Equal(t, DefaultStateFilePath, cfg.StateFilePath)
	assert.Equal(t, 0, cfg.HealthPort)
	assert.Equal(t, 1, cfg.ProcessingThreads)
	assert.Contains(t, cfg.IncludeMethods, "schema-registry.RegisterSchema")
	assert.Contains(t, cfg.IncludeMethods, "schema-registry.DeleteSchema")
	assert.Contains(t, cfg.IncludeMethods, "schema-registry.DeleteSubject")
	assert.NotContains(t, cfg.IncludeMethods, "schema-registry.UpdateCompatibility")
}

func TestSetIncludeConfigChanges_AddsCompatibilityAndModeMethods(t *testing.T) {
	cfg := New()

	cfg.SetIncludeConfigChanges(true)

	assert.Contains(t, cfg.IncludeMethods, "schema-registry.UpdateCompatibility")
	assert.Contains(t, cfg.IncludeMethods, "schema-registry.UpdateMode")
	assert.True(t, cfg.IncludeConfigChanges)
}

func TestAddEnvironment_RejectsIncompleteConfig(t *testing.T) {
	cfg := New()

	err := cfg.AddEnvironment(EnvironmentConfig{EnvironmentID: "env-test"})

	require.Error(t, err)
	assert.False(t, cfg.HasEnvironment("env-test"))
}

func TestAddEnvironment_AcceptsCompleteConfig(t *testing.T) {
	cfg := New()

	err := cfg.AddEnvironment(EnvironmentConfig{
		EnvironmentID:           "env-test",
		SchemaRegistryURL:       "https://psrc-test.aws.confluent.cloud",
		SchemaRegistryAPIKey:    "key",
		SchemaRegistryAPISecret: "secret",
	})

	require.NoError(t, err)
	assert.True(t, cfg.HasEnvironment("env-test"))
}

func TestValidate_AggregatesAllMissingFields(t *testing.T) {
	cfg := New()

	err := cfg.Validate()

	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "audit.log.bootstrap.servers")
	assert.Contains(t, msg, "audit.log.api.key")
	assert.Contains(t, msg, "at least one environment")
	assert.Contains(t, msg, "target.bootstrap.servers")
	assert.Contains(t, msg, "target.topic")
}

func TestValidate_RequiresStartTimestampForTimestampMode(t *testing.T) {
	cfg := completeConfig()
	cfg.ProcessingMode = ModeTimestamp

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "start.timestamp is required for TIMESTAMP mode")
}

func TestValidate_PassesWithCompleteConfig(t *testing.T) {
	cfg := completeConfig()

	assert.NoError(t, cfg.Validate())
}

func TestMaskedString_NeverLeaksFullSecret(t *testing.T) {
	cfg := completeConfig()
	cfg.AuditLogAPIKey = "supersecretapikey"

	rendered := cfg.MaskedString()

	assert.NotContains(t, rendered, "supersecretapikey")
	assert.Contains(t, rendered, "supe")
}

func TestLoadFromFile_ParsesPropertiesAndEnvironmentBlocks(t *testing.T) {
	content := `
# comment lines and blanks are ignored

audit.log.bootstrap.servers=pkc-audit.aws.confluent.cloud:9092
audit.log.api.key=auditKey
audit.log.api.secret=auditSecret

environments.env-test123.schema.registry.url=https://psrc-test.aws.confluent.cloud
environments.env-test123.schema.registry.api.key=srKey
environments.env-test123.schema.registry.api.secret=srSecret

target.bootstrap.servers=pkc-target.aws.confluent.cloud:9092
target.api.key=targetKey
target.api.secret=targetSecret
target.topic=schema-change-notifications

processing.mode=backfill
stop.at.current=true
filter.method.names=schema-registry.RegisterSchema,schema-registry.DeleteSchema
include.config.changes=true
health.port=8080
processing.threads=4
dry.run=true
`
	tmpFile, err := os.CreateTemp(t.TempDir(), "config-*.properties")
	require.NoError(t, err)
	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	cfg := New()
	require.NoError(t, LoadFromFile(cfg, tmpFile.Name()))

	assert.Equal(t, "pkc-audit.aws.confluent.cloud:9092", cfg.AuditLogBootstrapServers)
	assert.True(t, cfg.HasEnvironment("env-test123"))
	assert.Equal(t, "https://psrc-test.aws.confluent.cloud", cfg.Environments["env-test123"].SchemaRegistryURL)
	assert.Equal(t, ModeBackfill, cfg.ProcessingMode)
	assert.True(t, cfg.StopAtCurrent)
	assert.Contains(t, cfg.IncludeMethods, "schema-registry.UpdateCompatibility")
	assert.Equal(t, 8080, cfg.HealthPort)
	assert.Equal(t, 4, cfg.ProcessingThreads)
	assert.True(t, cfg.DryRun)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_MissingFileReturnsError(t *testing.T) {
	cfg := New()

	err := LoadFromFile(cfg, "/nonexistent/path/config.properties")

	require.Error(t, err)
}

func completeConfig() *Config {
	cfg := New()
	cfg.AuditLogBootstrapServers = "pkc-audit.aws.confluent.cloud:9092"
	cfg.AuditLogAPIKey = "auditKey"
	cfg.AuditLogAPISecret = "auditSecret"
	_ = cfg.AddEnvironment(EnvironmentConfig{
		EnvironmentID:           "env-test123",
		SchemaRegistryURL:       "https://psrc-test.aws.confluent.cloud",
		SchemaRegistryAPIKey:    "srKey",
		SchemaRegistryAPISecret: "srSecret",
	})
	cfg.TargetBootstrapServers = "pkc-target.aws.confluent.cloud:9092"
	cfg.TargetAPIKey = "targetKey"
	cfg.TargetAPISecret = "targetSecret"
	cfg.TargetTopic = "schema-change-notifications"
	return cfg
}
