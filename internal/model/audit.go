// Package model defines the wire types exchanged with the audit log
// stream and the target notification topic.
package model

import (
	"fmt"
	"math"
)

// SchemaRegistryEventType is the sentinel audit event type produced
// by Confluent Cloud's Schema Registry for control-plane operations.
const SchemaRegistryEventType = "io.confluent.sg.server/request"

// StatusSuccess is the value of AuditData.Result.Status on a
// successful operation.
const StatusSuccess = "SUCCESS"

// AuditEvent is one row from the audit log stream. Unknown JSON
// fields are ignored on decode.
type AuditEvent struct {
	ID         string     `json:"id"`
	SpecVersion string    `json:"specversion,omitempty"`
	Type       string     `json:"type"`
	Source     string     `json:"source"`
	Subject    string     `json:"subject,omitempty"`
	Time       string     `json:"time"`
	Data       *AuditData `json:"data"`
}

// AuditData is the payload of an audit event.
type AuditData struct {
	ServiceName    string        `json:"serviceName,omitempty"`
	MethodName     string        `json:"methodName,omitempty"`
	ResourceName   string        `json:"resourceName,omitempty"`
	Request        *RequestData  `json:"request,omitempty"`
	Response       *ResponseData `json:"response,omitempty"`
	Result         *ResultData   `json:"result,omitempty"`
}

// RequestData carries schema payload fields. Newer events nest the
// actual fields under Data; older/delete events set them directly.
type RequestData struct {
	AccessType  string            `json:"accessType,omitempty"`
	Data        *RequestInnerData `json:"data,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Version     *int              `json:"version,omitempty"`
	Compatibility string          `json:"compatibility,omitempty"`
	Mode        string            `json:"mode,omitempty"`
}

// RequestInnerData is the nested schema payload used by
// RegisterSchema-style events.
type RequestInnerData struct {
	Subject    string      `json:"subject,omitempty"`
	Schema     string      `json:"schema,omitempty"`
	SchemaType string      `json:"schemaType,omitempty"`
	References interface{} `json:"references,omitempty"`
}

// GetSubject prefers the nested payload's subject, falling back to
// the direct field.
func (r *RequestData) GetSubject() string {
	if r == nil {
		return ""
	}
	if r.Data != nil && r.Data.Subject != "" {
		return r.Data.Subject
	}
	return r.Subject
}

// GetSchema returns the nested schema text, if any.
func (r *RequestData) GetSchema() string {
	if r == nil || r.Data == nil {
		return ""
	}
	return r.Data.Schema
}

// GetSchemaType returns the nested schema type, if any.
func (r *RequestData) GetSchemaType() string {
	if r == nil || r.Data == nil {
		return ""
	}
	return r.Data.SchemaType
}

// GetReferences returns the nested references payload, if any.
func (r *RequestData) GetReferences() interface{} {
	if r == nil || r.Data == nil {
		return nil
	}
	return r.Data.References
}

// ResponseData is a legacy-format field carrying a schema id directly.
type ResponseData struct {
	ID      *int `json:"id,omitempty"`
	Version *int `json:"version,omitempty"`
}

// ResultData indicates the outcome of the audited operation.
type ResultData struct {
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    *ResultInnerData `json:"data,omitempty"`
}

// ResultInnerData carries the schema id, which may arrive as a
// floating-point JSON literal.
type ResultInnerData struct {
	ID      *float64 `json:"id,omitempty"`
	Version *int     `json:"version,omitempty"`
}

// SchemaID narrows the result's schema id to a 32-bit signed integer
// by truncation toward zero. NaN and Inf are rejected.
func (r *ResultData) SchemaID() (int32, bool, error) {
	if r == nil || r.Data == nil || r.Data.ID == nil {
		return 0, false, nil
	}
	v := *r.Data.ID
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("schema id is not finite: %v", v)
	}
	return int32(v), true, nil
}
