package resiliency

import (
	"errors"
	"time"

	"github.com/Log-Tools/schema-change-notifier/internal/registry"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	defaultMaxAttempts      = 3
	defaultInitialBackoff   = 200 * time.Millisecond
	defaultMaxBackoff       = 2 * time.Second
)

// RegistryClient decorates a registry.Client with a circuit breaker
// and bounded retry around each outbound call, so a flapping or
// overloaded Schema Registry backs off the classifier rather than
// stalling every event on repeated timeouts.
type RegistryClient struct {
	inner   registry.Client
	breaker *CircuitBreaker
}

// NewRegistryClient wraps inner with the default breaker/retry policy.
func NewRegistryClient(inner registry.Client) *RegistryClient {
	return &RegistryClient{
		inner:   inner,
		breaker: NewCircuitBreaker(defaultFailureThreshold, defaultResetTimeout),
	}
}

func (r *RegistryClient) GetByID(envID string, schemaID int32) (*registry.SchemaInfo, error) {
	var info *registry.SchemaInfo
	err := r.breaker.Execute(func() error {
		return Retry(defaultMaxAttempts, defaultInitialBackoff, defaultMaxBackoff, func() error {
			var callErr error
			info, callErr = r.inner.GetByID(envID, schemaID)
			return classifyRegistryErr(callErr)
		})
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (r *RegistryClient) GetBySubjectVersion(envID, subject string, version int) (*registry.SchemaInfo, error) {
	var info *registry.SchemaInfo
	err := r.breaker.Execute(func() error {
		return Retry(defaultMaxAttempts, defaultInitialBackoff, defaultMaxBackoff, func() error {
			var callErr error
			info, callErr = r.inner.GetBySubjectVersion(envID, subject, version)
			return classifyRegistryErr(callErr)
		})
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (r *RegistryClient) HasEnvironment(envID string) bool { return r.inner.HasEnvironment(envID) }
func (r *RegistryClient) ClearCache()                      { r.inner.ClearCache() }
func (r *RegistryClient) CacheSize() int                   { return r.inner.CacheSize() }
func (r *RegistryClient) Close()                           { r.inner.Close() }

// classifyRegistryErr marks a registry.Error as transient (network
// failure or 5xx) so Retry backs off it, and leaves everything else
// (404s are nil, not an error; 4xx responses) to fail immediately.
func classifyRegistryErr(err error) error {
	if err == nil {
		return nil
	}
	var regErr *registry.Error
	if errors.As(err, &regErr) {
		if regErr.Cause != nil || regErr.StatusCode >= 500 {
			return &TransientError{Cause: err}
		}
	}
	return err
}
