package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Log-Tools/schema-change-notifier/internal/config"
	"github.com/Log-Tools/schema-change-notifier/internal/model"
	"github.com/Log-Tools/schema-change-notifier/internal/registry"
)

type fakeRegistry struct {
	byID map[int32]*registry.SchemaInfo
	err  error
}

func (f *fakeRegistry) GetByID(envID string, schemaID int32) (*registry.SchemaInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[schemaID], nil
}

func (f *fakeRegistry) GetBySubjectVersion(envID, subject string, version int) (*registry.SchemaInfo, error) {
	return nil, nil
}
func (f *fakeRegistry) HasEnvironment(envID string) bool { return true }
func (f *fakeRegistry) ClearCache()                      {}
func (f *fakeRegistry) CacheSize() int                   { return 0 }
func (f *fakeRegistry) Close()                           {}

func baseConfig() *config.Config {
	cfg := config.New()
	_ = cfg.AddEnvironment(config.EnvironmentConfig{
		EnvironmentID:           "env-test123",
		SchemaRegistryURL:       "https://sr.example",
		SchemaRegistryAPIKey:    "k",
		SchemaRegistryAPISecret: "s",
	})
	return cfg
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func registerEvent(status, envSegment string) *model.AuditEvent {
	return &model.AuditEvent{
		ID:     "e1",
		Type:   model.SchemaRegistryEventType,
		Time:   "2024-01-15T10:30:00Z",
		Source: "crn://confluent.cloud/organization=org1",
		Data: &model.AuditData{
			MethodName:   "schema-registry.RegisterSchema",
			ResourceName: "crn://.../environment=" + envSegment + "/schema-registry=x/subject/orders-value",
			Request: &model.RequestData{
				Data: &model.RequestInnerData{Subject: "orders-value"},
			},
			Result: &model.ResultData{
				Status: status,
				Data:   &model.ResultInnerData{ID: floatPtr(100001.0)},
			},
		},
	}
}

func TestProcess_RegisterSchemaProducesEnrichedNotification(t *testing.T) {
	reg := &fakeRegistry{byID: map[int32]*registry.SchemaInfo{
		100001: {Schema: `{"type":"record","name":"Order"}`, SchemaType: "AVRO", Version: 1, Subject: "orders-value"},
	}}
	c := New(baseConfig(), reg, zap.NewNop())

	n := c.Process(registerEvent(model.StatusSuccess, "env-test123"))

	require.NotNil(t, n)
	assert.Equal(t, model.EventSchemaRegistered, n.EventType)
	require.NotNil(t, n.SchemaID)
	assert.EqualValues(t, 100001, *n.SchemaID)
	assert.Equal(t, "orders-value", n.Subject)
	require.NotNil(t, n.Version)
	assert.Equal(t, 1, *n.Version)
	assert.Equal(t, "AVRO", n.SchemaType)
	assert.Equal(t, "env-test123", n.EnvironmentID)
	assert.Equal(t, "2024-01-15T10:30:00Z", n.Timestamp)
	assert.Equal(t, "e1", n.AuditLogEventID)
	require.NotNil(t, n.DataContractRegistered)
	assert.Equal(t, `{"type":"record","name":"Order"}`, n.DataContractRegistered.Schema)

	assert.Equal(t, "orders-value:schema-registry.RegisterSchema:100001", c.DedupKey(registerEvent(model.StatusSuccess, "env-test123")))
}

func TestProcess_RegisterSchemaRegistryErrorDropsNotification(t *testing.T) {
	reg := &fakeRegistry{err: assert.AnError}
	c := New(baseConfig(), reg, zap.NewNop())

	n := c.Process(registerEvent(model.StatusSuccess, "env-test123"))

	assert.Nil(t, n, "a registry-error during enrichment must drop the notification, not publish it unenriched")
}

func TestProcess_RegisterSchemaNotFoundInRegistryStillPopulatesVariantBody(t *testing.T) {
	reg := &fakeRegistry{byID: map[int32]*registry.SchemaInfo{}}
	c := New(baseConfig(), reg, zap.NewNop())

	n := c.Process(registerEvent(model.StatusSuccess, "env-test123"))

	require.NotNil(t, n)
	require.NotNil(t, n.DataContractRegistered, "exactly one variant body must be populated even without enrichment")
	assert.Empty(t, n.DataContractRegistered.Schema)
}

func TestProcess_FailedStatusIsFiltered(t *testing.T) {
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())

	n := c.Process(registerEvent("FAILURE", "env-test123"))

	assert.Nil(t, n)
}

func TestProcess_UnmonitoredEnvironmentIsFiltered(t *testing.T) {
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())

	n := c.Process(registerEvent(model.StatusSuccess, "env-other"))

	assert.Nil(t, n)
}

func TestProcess_SubjectGlobMismatchIsFiltered(t *testing.T) {
	cfg := baseConfig()
	cfg.SubjectFilters = []string{"payments-*"}
	c := New(cfg, &fakeRegistry{}, zap.NewNop())

	n := c.Process(registerEvent(model.StatusSuccess, "env-test123"))

	assert.Nil(t, n)
}

func TestProcess_SubjectGlobMatchIsAccepted(t *testing.T) {
	cfg := baseConfig()
	cfg.SubjectFilters = []string{"orders-*"}
	reg := &fakeRegistry{byID: map[int32]*registry.SchemaInfo{100001: {Subject: "orders-value", SchemaType: "AVRO"}}}
	c := New(cfg, reg, zap.NewNop())

	n := c.Process(registerEvent(model.StatusSuccess, "env-test123"))

	assert.NotNil(t, n)
}

func TestProcess_DeleteSubjectPreservesFullResourceNameAsSubject(t *testing.T) {
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())
	e := &model.AuditEvent{
		Type: model.SchemaRegistryEventType,
		Time: "2024-01-15T10:30:00Z",
		Data: &model.AuditData{
			MethodName:   "schema-registry.DeleteSubject",
			ResourceName: "crn://.../environment=env-test123/.../subject/legacy-value",
			Result:       &model.ResultData{Status: model.StatusSuccess},
		},
	}

	n := c.Process(e)

	require.NotNil(t, n)
	assert.Equal(t, model.EventSubjectDeleted, n.EventType)
	assert.Equal(t, "crn://.../environment=env-test123/.../subject/legacy-value", n.Subject)
	assert.Equal(t, "env-test123", n.EnvironmentID)
	require.NotNil(t, n.SubjectDeleted)
	assert.False(t, n.SubjectDeleted.Permanent)
}

func TestProcess_UnknownMethodYieldsNoNotification(t *testing.T) {
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())
	e := &model.AuditEvent{
		Type: model.SchemaRegistryEventType,
		Data: &model.AuditData{
			MethodName:   "schema-registry.SomethingElse",
			ResourceName: "crn://.../environment=env-test123/x",
			Result:       &model.ResultData{Status: model.StatusSuccess},
		},
	}

	assert.Nil(t, c.Process(e))
}

func TestProcess_WrongEventTypeIsFiltered(t *testing.T) {
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())
	e := registerEvent(model.StatusSuccess, "env-test123")
	e.Type = "some.other.type"

	assert.Nil(t, c.Process(e))
}

func TestDedupKey_UsesUnknownAndNullForMissingComponents(t *testing.T) {
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())
	e := &model.AuditEvent{Data: &model.AuditData{}}

	assert.Equal(t, "unknown:unknown:null", c.DedupKey(e))
}

func TestDedupKey_FallsBackToResourceNameForDeleteEvents(t *testing.T) {
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())
	first := &model.AuditEvent{Data: &model.AuditData{
		MethodName:   "schema-registry.DeleteSubject",
		ResourceName: "crn://confluent.cloud/environment=env-test123/schema-registry=sr/subject=orders-value",
	}}
	second := &model.AuditEvent{Data: &model.AuditData{
		MethodName:   "schema-registry.DeleteSubject",
		ResourceName: "crn://confluent.cloud/environment=env-test123/schema-registry=sr/subject=payments-value",
	}}

	assert.NotEqual(t, c.DedupKey(first), c.DedupKey(second),
		"distinct subjects deleted in the same environment must not collapse to one dedup key")
	assert.Contains(t, c.DedupKey(first), "orders-value")
	assert.Contains(t, c.DedupKey(second), "payments-value")
}

func TestExtractEnvironmentID_FallsBackToEventSource(t *testing.T) {
	e := &model.AuditEvent{
		Source: "crn://confluent.cloud/organization=org1/environment=env-fallback",
		Data:   &model.AuditData{ResourceName: "crn://.../schema-registry=x"},
	}

	envID, ok := extractEnvironmentID(e)

	assert.True(t, ok)
	assert.Equal(t, "env-fallback", envID)
}

func TestMatchesGlob_StarMatchesAnySuffix(t *testing.T) {
	assert.True(t, matchesGlob("orders-value", "orders-*"))
	assert.False(t, matchesGlob("payments-value", "orders-*"))
	assert.True(t, matchesGlob("exact", "exact"))
}

func TestBuildSchemaRegistered_SchemaIdFloatNarrowsToInt(t *testing.T) {
	e := registerEvent(model.StatusSuccess, "env-test123")
	e.Data.Result.Data.ID = floatPtr(100001.0)
	c := New(baseConfig(), &fakeRegistry{}, zap.NewNop())

	n := c.Process(e)

	require.NotNil(t, n)
	require.NotNil(t, n.SchemaID)
	assert.EqualValues(t, 100001, *n.SchemaID)
}
