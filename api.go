package healthsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.unifiedhealth.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// APIClient
// ============================================================================

// APIClient is the REST side of the backend. It attaches the current
// credential from the Authenticator to every request.
type APIClient struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
}

type APIOption func(*APIClient)

func WithBaseURL(u string) APIOption {
	return func(c *APIClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) APIOption {
	return func(c *APIClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) { c.httpClient = client }
}

// NewAPIClient creates a REST client. auth may be nil for unauthenticated calls.
func NewAPIClient(auth Authenticator, opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL: DefaultBaseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *APIClient) BaseURL() string { return c.baseURL }

// Do sends a JSON request and returns the raw response body. Non-2xx
// responses are returned as *APIError.
func (c *APIClient) Do(ctx context.Context, method, path string, body any, query map[string]string) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		token, err := c.auth.Credential(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Endpoints
// ============================================================================

func (c *APIClient) CreateAppointment(ctx context.Context, payload json.RawMessage) error {
	_, err := c.Do(ctx, http.MethodPost, "/appointments", payload, nil)
	return err
}

func (c *APIClient) UpdateAppointment(ctx context.Context, id string, payload json.RawMessage) error {
	_, err := c.Do(ctx, http.MethodPut, "/appointments/"+url.PathEscape(id), payload, nil)
	return err
}

func (c *APIClient) CancelAppointment(ctx context.Context, id string) error {
	_, err := c.Do(ctx, http.MethodDelete, "/appointments/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *APIClient) UpdateProfile(ctx context.Context, payload json.RawMessage) error {
	_, err := c.Do(ctx, http.MethodPut, "/users/profile", payload, nil)
	return err
}

// ListAppointments fetches the patient's appointments.
func (c *APIClient) ListAppointments(ctx context.Context) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, "/appointments", nil, nil)
}

// RefreshTokens exchanges a refresh token. It has the RefreshFunc shape.
func (c *APIClient) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	data, err := c.Do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Tokens](data)
}
