// Package registry implements per-tenant authenticated lookups
// against a Confluent Schema Registry, with an in-memory cache keyed
// by (environmentId, schemaId).
package registry

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Log-Tools/schema-change-notifier/internal/config"
)

const (
	contentType        = "application/vnd.schemaregistry.v1+json"
	defaultSchemaType  = "AVRO"
	connectTimeout     = 10 * time.Second
	readTimeout        = 30 * time.Second
)

// SchemaInfo is the resolved content of one registered schema.
type SchemaInfo struct {
	EnvironmentID string
	SchemaID      int32
	Subject       string
	Version       int
	Schema        string
	SchemaType    string
	References    interface{}
}

// Client resolves schema content by id or by (subject, version) for a
// set of tenant environments. Implementations must be safe for
// concurrent use — C7's worker pool calls it from multiple goroutines.
type Client interface {
	GetByID(envID string, schemaID int32) (*SchemaInfo, error)
	GetBySubjectVersion(envID, subject string, version int) (*SchemaInfo, error)
	HasEnvironment(envID string) bool
	ClearCache()
	CacheSize() int
	Close()
}

// HTTPClient is the production Client backed by resty, one
// environment-scoped HTTP client per configured environment.
type HTTPClient struct {
	environments map[string]config.EnvironmentConfig
	clients      map[string]*resty.Client

	mu    sync.RWMutex
	cache map[cacheKey]*SchemaInfo
}

type cacheKey struct {
	envID    string
	schemaID int32
}

// NewHTTPClient builds a registry client for the given environments,
// one resty.Client per environment carrying its own Basic-auth
// credentials.
func NewHTTPClient(environments map[string]config.EnvironmentConfig) *HTTPClient {
	clients := make(map[string]*resty.Client, len(environments))
	for id, env := range environments {
		clients[id] = resty.New().
			SetBaseURL(normalizeURL(env.SchemaRegistryURL)).
			SetTimeout(connectTimeout+readTimeout).
			SetHeader("Accept", contentType).
			SetHeader("Authorization", basicAuthHeader(env.SchemaRegistryAPIKey, env.SchemaRegistryAPISecret))
	}
	return &HTTPClient{
		environments: environments,
		clients:      clients,
		cache:        make(map[cacheKey]*SchemaInfo),
	}
}

func normalizeURL(url string) string {
	return strings.TrimSuffix(url, "/")
}

func basicAuthHeader(apiKey, apiSecret string) string {
	raw := apiKey + ":" + apiSecret
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// HasEnvironment reports whether envID has registered credentials.
func (c *HTTPClient) HasEnvironment(envID string) bool {
	_, ok := c.environments[envID]
	return ok
}

type schemaByIDResponse struct {
	Schema     string      `json:"schema"`
	SchemaType string      `json:"schemaType"`
	References interface{} `json:"references"`
}

type schemaVersionEntry struct {
	Subject string `json:"subject"`
	Version int    `json:"version"`
}

type schemaBySubjectVersionResponse struct {
	ID         int         `json:"id"`
	Schema     string      `json:"schema"`
	SchemaType string      `json:"schemaType"`
	References interface{} `json:"references"`
}

// GetByID resolves a schema by its numeric id. Cached results are
// returned without a network call. A 404 yields (nil, nil). Any other
// non-2xx status or transport failure yields a *Error.
func (c *HTTPClient) GetByID(envID string, schemaID int32) (*SchemaInfo, error) {
	key := cacheKey{envID, schemaID}
	if cached := c.cacheGet(key); cached != nil {
		return cached, nil
	}

	client, ok := c.clients[envID]
	if !ok {
		return nil, nil
	}

	var body schemaByIDResponse
	resp, err := client.R().
		SetResult(&body).
		Get(fmt.Sprintf("/schemas/ids/%d", schemaID))
	if err != nil {
		return nil, &Error{EnvironmentID: envID, SchemaID: schemaID, Cause: err}
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, &Error{EnvironmentID: envID, SchemaID: schemaID, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	schemaType := body.SchemaType
	if schemaType == "" {
		schemaType = defaultSchemaType
	}

	info := &SchemaInfo{
		EnvironmentID: envID,
		SchemaID:      schemaID,
		Schema:        body.Schema,
		SchemaType:    schemaType,
		References:    body.References,
	}

	// Version lookup degrades gracefully: failure here never fails
	// the outer call, it just leaves Subject/Version unset.
	if subject, version, ok := c.fetchVersionInfo(client, schemaID); ok {
		info.Subject = subject
		info.Version = version
	}

	c.cachePut(key, info)
	return info, nil
}

func (c *HTTPClient) fetchVersionInfo(client *resty.Client, schemaID int32) (string, int, bool) {
	var versions []schemaVersionEntry
	resp, err := client.R().
		SetResult(&versions).
		Get(fmt.Sprintf("/schemas/ids/%d/versions", schemaID))
	if err != nil || resp.IsError() || len(versions) == 0 {
		return "", 0, false
	}
	return versions[0].Subject, versions[0].Version, true
}

// GetBySubjectVersion resolves a schema by subject and version. When
// the response includes an id, the result is also cached under
// (envID, id) so a later GetByID call for the same schema is free.
func (c *HTTPClient) GetBySubjectVersion(envID, subject string, version int) (*SchemaInfo, error) {
	client, ok := c.clients[envID]
	if !ok {
		return nil, nil
	}

	var body schemaBySubjectVersionResponse
	resp, err := client.R().
		SetResult(&body).
		Get(fmt.Sprintf("/subjects/%s/versions/%s", subject, strconv.Itoa(version)))
	if err != nil {
		return nil, &Error{EnvironmentID: envID, Cause: err}
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, &Error{EnvironmentID: envID, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	schemaType := body.SchemaType
	if schemaType == "" {
		schemaType = defaultSchemaType
	}

	info := &SchemaInfo{
		EnvironmentID: envID,
		SchemaID:      int32(body.ID),
		Subject:       subject,
		Version:       version,
		Schema:        body.Schema,
		SchemaType:    schemaType,
		References:    body.References,
	}

	if body.ID != 0 {
		c.cachePut(cacheKey{envID, int32(body.ID)}, info)
	}
	return info, nil
}

func (c *HTTPClient) cacheGet(key cacheKey) *SchemaInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[key]
}

func (c *HTTPClient) cachePut(key cacheKey, info *SchemaInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = info
}

// ClearCache empties the schema cache.
func (c *HTTPClient) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[cacheKey]*SchemaInfo)
}

// CacheSize reports the number of cached schema lookups.
func (c *HTTPClient) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Close clears the cache. The underlying resty clients hold no
// persistent connections that require explicit shutdown.
func (c *HTTPClient) Close() {
	c.ClearCache()
}
