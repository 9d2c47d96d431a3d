// Package provision creates Vapi calls and returns their websocket session URLs.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"

	vapirelay "github.com/agentplexus/vapi-relay"
	"github.com/agentplexus/vapi-relay/internal/client"
)

// ErrMissingURL is returned when a call was created but carries no websocket URL.
var ErrMissingURL = errors.New("response has no transport.websocketCallUrl")

// ProvisionError reports a failed provisioning call. Raw holds the response
// body when one was received.
type ProvisionError struct {
	AssistantID string
	Raw         string
	Err         error
}

func (e *ProvisionError) Error() string {
	if e.Raw == "" {
		return fmt.Sprintf("provision call for assistant %s: %v", e.AssistantID, e.Err)
	}
	return fmt.Sprintf("provision call for assistant %s: %v (response: %s)", e.AssistantID, e.Err, e.Raw)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Provisioner creates Vapi calls over the REST API.
type Provisioner struct {
	client  *client.Client
	logger  *logrus.Logger
	retries uint64
	timeout time.Duration
}

// Option configures the Provisioner.
type Option func(*options)

type options struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
	retries    uint64
	timeout    time.Duration
}

// WithAPIKey sets the Vapi API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithBaseURL overrides the Vapi API base URL.
func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRetries retries network failures and 5xx responses up to n times with
// exponential backoff. Zero, the default, makes exactly one request.
func WithRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retries = uint64(n)
		}
	}
}

// WithTimeout bounds a whole Provision call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a new Provisioner.
func New(opts ...Option) (*Provisioner, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	vapiClient, err := client.New(&client.Config{
		APIKey:     cfg.apiKey,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vapi client: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}

	return &Provisioner{
		client:  vapiClient,
		logger:  logger,
		retries: cfg.retries,
		timeout: cfg.timeout,
	}, nil
}

// Name returns the provider name.
func (p *Provisioner) Name() string {
	return vapirelay.ProviderName
}

// Provision creates a call for the assistant and returns its websocket URL.
// Every failure is returned as a *ProvisionError.
func (p *Provisioner) Provision(ctx context.Context, assistantID string) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	log := p.logger.WithField("assistant-id", assistantID)

	var (
		sessionURL string
		raw        []byte
	)
	operation := func() error {
		call, body, err := p.client.CreateCall(ctx, &client.CreateCallParams{AssistantID: assistantID})
		raw = body
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if call.Transport == nil || call.Transport.WebsocketCallURL == "" {
			return backoff.Permanent(ErrMissingURL)
		}
		sessionURL = call.Transport.WebsocketCallURL
		log.WithField("call-id", call.ID).Info("received Vapi websocketCallUrl")
		return nil
	}

	// WithMaxRetries treats zero as unlimited
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if p.retries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.retries)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.WithError(err).Warnf("creating Vapi call failed, retrying in %s", wait)
	})
	if err != nil {
		log.WithError(err).Error("failed to get websocketCallUrl from Vapi")
		return "", &ProvisionError{AssistantID: assistantID, Raw: string(raw), Err: err}
	}
	return sessionURL, nil
}

func retryable(err error) bool {
	var apiErr *client.Error
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
