package registry

import "fmt"

// Error is a *registry-error* per the error taxonomy: any non-404
// response from the Schema Registry, or a network/interrupt failure
// while talking to it.
type Error struct {
	EnvironmentID string
	SchemaID      int32
	StatusCode    int
	Body          string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("registry error for environment %s, schema %d: %v", e.EnvironmentID, e.SchemaID, e.Cause)
	}
	return fmt.Sprintf("registry error for environment %s, schema %d: status %d: %s", e.EnvironmentID, e.SchemaID, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
