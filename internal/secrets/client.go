// Package secrets fetches the opaque per-tenant credential blob the
// materializer treats as a template context. The service
// itself is an external collaborator; this package only wraps the call.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/conduithq/conduit/internal/apperror"
)

// Client fetches and decrypts the secret blob bound to a connection.
type Client interface {
	Fetch(ctx context.Context, secretsServiceId, tenantId string) (map[string]any, error)
}

// HTTPClient calls the external secrets service over HTTP: a bare
// *http.Client with a fixed timeout and no retry.
type HTTPClient struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPClient builds a Client pointed at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch requests the decrypted credential blob for (secretsServiceId, tenantId).
// The response body is an arbitrary JSON object — the materializer treats it
// as a dynamic template context, never a fixed per-platform struct.
func (c *HTTPClient) Fetch(ctx context.Context, secretsServiceId, tenantId string) (map[string]any, error) {
	if c.BaseURL == "" {
		return nil, apperror.Unknown("secrets service not configured")
	}

	url := fmt.Sprintf("%s/secrets/%s?tenant=%s", c.BaseURL, secretsServiceId, tenantId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperror.Unknown("failed to build secrets request", err.Error())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperror.Unknown("secrets service call failed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperror.NotFound("secret not found", secretsServiceId)
	}
	if resp.StatusCode >= 400 {
		return nil, apperror.Unknown(fmt.Sprintf("secrets service returned %d", resp.StatusCode))
	}

	var blob map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&blob); err != nil {
		return nil, apperror.SerializeError("failed to decode secret blob", err.Error())
	}
	return blob, nil
}

// StaticClient is a fixed-blob implementation used by tests and local dev
// when no secrets service is configured.
type StaticClient struct {
	Blob map[string]any
}

func (c *StaticClient) Fetch(ctx context.Context, secretsServiceId, tenantId string) (map[string]any, error) {
	if c.Blob == nil {
		return map[string]any{}, nil
	}
	return c.Blob, nil
}
