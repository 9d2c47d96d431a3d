// Package client provides a Vapi API client for internal use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	vapirelay "github.com/agentplexus/vapi-relay"
)

// Client is a Vapi API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Vapi client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Vapi client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("VAPI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("VAPI_API_KEY is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = vapirelay.DefaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call represents a Vapi call resource.
type Call struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"orgId"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	AssistantID string         `json:"assistantId"`
	CreatedAt   string         `json:"createdAt"`
	Transport   *CallTransport `json:"transport"`
}

// CallTransport describes how audio for a call is carried.
type CallTransport struct {
	Provider         string `json:"provider"`
	WebsocketCallURL string `json:"websocketCallUrl"`
}

// CreateCallParams are parameters for creating a call.
type CreateCallParams struct {
	AssistantID string
	// Transport defaults to vapi.websocket.
	Transport string
}

type createCallRequest struct {
	AssistantID string              `json:"assistantId"`
	Transport   createCallTransport `json:"transport"`
}

type createCallTransport struct {
	Provider string `json:"provider"`
}

// CreateCall creates a call and returns it with the raw response body.
// The raw body is returned whenever a response was received so callers can
// report it on failure.
func (c *Client) CreateCall(ctx context.Context, params *CreateCallParams) (*Call, []byte, error) {
	if params == nil || params.AssistantID == "" {
		return nil, nil, fmt.Errorf("assistant ID is required")
	}

	transport := params.Transport
	if transport == "" {
		transport = vapirelay.TransportProvider
	}

	body := createCallRequest{
		AssistantID: params.AssistantID,
		Transport:   createCallTransport{Provider: transport},
	}

	var call Call
	raw, err := c.post(ctx, c.baseURL+"/call", body, &call)
	if err != nil {
		return nil, raw, err
	}
	return &call, raw, nil
}

// Error represents a Vapi API error.
type Error struct {
	StatusCode int    `json:"statusCode"`
	Message    any    `json:"message"`
	ErrorName  string `json:"error"`
	Body       string `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == nil {
		return fmt.Sprintf("vapi error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("vapi error %d: %v", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// post performs a POST request with a JSON body.
func (c *Client) post(ctx context.Context, url string, data any, result any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

// do executes a request with authentication.
func (c *Client) do(req *http.Request, result any) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Body: string(body)}
		_ = json.Unmarshal(body, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return body, apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return body, fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return body, nil
}
