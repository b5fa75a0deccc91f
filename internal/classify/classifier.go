// Package classify decides whether an audit event is relevant, and if
// so builds the enriched notification for it. See spec.md §4.5.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Log-Tools/schema-change-notifier/internal/config"
	"github.com/Log-Tools/schema-change-notifier/internal/model"
	"github.com/Log-Tools/schema-change-notifier/internal/registry"
)

var environmentPattern = regexp.MustCompile(`environment=([^/]+)`)

const defaultSchemaType = "AVRO"

// Classifier applies the relevance checks and builds notifications,
// consulting the registry client for RegisterSchema enrichment.
type Classifier struct {
	cfg      *config.Config
	registry registry.Client
	log      *zap.Logger
}

// New builds a Classifier. registryClient may be nil only if
// RegisterSchema events are never expected to occur.
func New(cfg *config.Config, registryClient registry.Client, log *zap.Logger) *Classifier {
	return &Classifier{cfg: cfg, registry: registryClient, log: log}
}

// DedupKey computes the deduplication key for an event, independent
// of whether the event is otherwise relevant and computed separately
// from the notification's own subject field: it prefers the request
// payload's subject, falling back to the resourceName when the
// request carries none (delete events have no request subject).
func (c *Classifier) DedupKey(e *model.AuditEvent) string {
	subject := "unknown"
	methodName := "unknown"
	schemaID := "null"

	if e.Data != nil {
		if s := e.Data.Request.GetSubject(); s != "" {
			subject = s
		} else if e.Data.ResourceName != "" {
			subject = e.Data.ResourceName
		}
		if e.Data.MethodName != "" {
			methodName = e.Data.MethodName
		}
		if id, ok, err := e.Data.Result.SchemaID(); err == nil && ok {
			schemaID = strconv.FormatInt(int64(id), 10)
		}
	}
	return subject + ":" + methodName + ":" + schemaID
}

// Process runs the six-check relevance pipeline and, on a match,
// builds the enriched notification. Returns nil if the event is not
// relevant, was for an unhandled method, or an internal error
// occurred while enriching it — in every case the error is logged,
// never propagated.
func (c *Classifier) Process(e *model.AuditEvent) *model.Notification {
	if e.Type != model.SchemaRegistryEventType {
		return nil
	}
	if e.Data == nil {
		return nil
	}
	if _, ok := c.cfg.IncludeMethods[e.Data.MethodName]; !ok {
		return nil
	}

	envID, ok := extractEnvironmentID(e)
	if !ok || !c.cfg.HasEnvironment(envID) {
		return nil
	}

	if c.cfg.OnlySuccessful && !strings.EqualFold(resultStatus(e), model.StatusSuccess) {
		return nil
	}

	subject := extractSubject(e)
	if len(c.cfg.SubjectFilters) > 0 && !matchesAnyFilter(subject, c.cfg.SubjectFilters) {
		return nil
	}

	n := &model.Notification{
		Timestamp:       e.Time,
		EnvironmentID:   envID,
		AuditLogEventID: e.ID,
	}

	switch e.Data.MethodName {
	case "schema-registry.RegisterSchema":
		if !c.buildSchemaRegistered(e, envID, n) {
			return nil
		}
	case "schema-registry.DeleteSchema":
		n.EventType = model.EventSchemaDeleted
		n.Subject = e.Data.ResourceName
		n.Version = requestVersion(e)
		n.DataContractDeleted = &model.DataContractDeleted{Permanent: false}
	case "schema-registry.DeleteSubject":
		n.EventType = model.EventSubjectDeleted
		n.Subject = e.Data.ResourceName
		n.SubjectDeleted = &model.SubjectDeleted{Permanent: false}
	case "schema-registry.UpdateCompatibility":
		n.EventType = model.EventCompatibilityUpdated
		n.Subject = e.Data.ResourceName
		n.CompatibilityUpdated = &model.CompatibilityUpdated{NewCompatibility: requestCompatibility(e)}
	case "schema-registry.UpdateMode":
		n.EventType = model.EventModeUpdated
		n.Subject = e.Data.ResourceName
		n.ModeUpdated = &model.ModeUpdated{NewMode: requestMode(e)}
	default:
		return nil
	}

	return n
}

// buildSchemaRegistered fills in the SCHEMA_REGISTERED variant body.
// It always populates n.DataContractRegistered, even when enrichment
// never runs, so the notification always carries exactly one variant
// body. It returns false only when a registry-error occurred, telling
// Process to drop the notification entirely rather than publish it
// unenriched.
func (c *Classifier) buildSchemaRegistered(e *model.AuditEvent, envID string, n *model.Notification) bool {
	n.EventType = model.EventSchemaRegistered
	n.Subject = extractSubject(e)
	n.SchemaType = defaultSchemaType
	if t := e.Data.Request.GetSchemaType(); t != "" {
		n.SchemaType = t
	}
	n.DataContractRegistered = &model.DataContractRegistered{}

	schemaID, ok, err := e.Data.Result.SchemaID()
	if err != nil {
		c.log.Warn("failed to narrow schema id", zap.String("eventId", e.ID), zap.Error(err))
		return true
	}
	if !ok {
		return true
	}
	n.SchemaID = &schemaID

	if c.registry == nil {
		return true
	}
	info, err := c.registry.GetByID(envID, schemaID)
	if err != nil {
		c.log.Warn("registry lookup failed, dropping notification",
			zap.String("environmentId", envID), zap.Int32("schemaId", schemaID), zap.Error(err))
		return false
	}
	if info == nil {
		return true
	}
	if info.Subject != "" {
		n.Subject = info.Subject
	}
	if info.Version != 0 {
		v := info.Version
		n.Version = &v
	}
	if info.SchemaType != "" {
		n.SchemaType = info.SchemaType
	}
	n.DataContractRegistered = &model.DataContractRegistered{
		Schema:     info.Schema,
		References: info.References,
	}
	return true
}

func resultStatus(e *model.AuditEvent) string {
	if e.Data.Result == nil {
		return ""
	}
	return e.Data.Result.Status
}

func requestVersion(e *model.AuditEvent) *int {
	if e.Data.Request == nil {
		return nil
	}
	return e.Data.Request.Version
}

func requestCompatibility(e *model.AuditEvent) string {
	if e.Data.Request == nil {
		return ""
	}
	return e.Data.Request.Compatibility
}

func requestMode(e *model.AuditEvent) string {
	if e.Data.Request == nil {
		return ""
	}
	return e.Data.Request.Mode
}

// extractSubject prefers the nested request payload's subject, then
// the direct request subject, and finally falls back to the resource
// name — used as-is for delete operations.
func extractSubject(e *model.AuditEvent) string {
	if s := e.Data.Request.GetSubject(); s != "" {
		return s
	}
	return e.Data.ResourceName
}

// extractEnvironmentID matches "environment=<id>" against the
// resource name first, then against the event source.
func extractEnvironmentID(e *model.AuditEvent) (string, bool) {
	if m := environmentPattern.FindStringSubmatch(e.Data.ResourceName); m != nil {
		return m[1], true
	}
	if m := environmentPattern.FindStringSubmatch(e.Source); m != nil {
		return m[1], true
	}
	return "", false
}

func matchesAnyFilter(subject string, filters []string) bool {
	for _, f := range filters {
		if matchesGlob(subject, f) {
			return true
		}
	}
	return false
}

// matchesGlob supports "*" only, matched against the entire string.
func matchesGlob(value, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return value == pattern
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
