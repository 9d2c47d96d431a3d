package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/vapi-relay/internal/client"
)

func newTestProvisioner(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Provisioner, *int32) {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	opts = append([]Option{WithAPIKey("secret"), WithBaseURL(server.URL)}, opts...)
	p, err := New(opts...)
	require.NoError(t, err)
	return p, &hits
}

func TestProvisionReturnsSessionURL(t *testing.T) {
	p, hits := newTestProvisioner(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"call-1","transport":{"websocketCallUrl":"wss://example/x"}}`))
	})

	url, err := p.Provision(context.Background(), "asst-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://example/x", url)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestProvisionMissingURL(t *testing.T) {
	p, hits := newTestProvisioner(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"call-1","transport":{"provider":"vapi.websocket"}}`))
	}, WithRetries(3))

	_, err := p.Provision(context.Background(), "asst-1")
	require.Error(t, err)

	var perr *ProvisionError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, ErrMissingURL)
	assert.Equal(t, "asst-1", perr.AssistantID)
	assert.Contains(t, perr.Raw, "vapi.websocket")
	// a missing URL is permanent even when retries are enabled
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestProvisionNonJSON(t *testing.T) {
	p, _ := newTestProvisioner(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	_, err := p.Provision(context.Background(), "asst-1")
	var perr *ProvisionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "not json", perr.Raw)
}

func TestProvisionDoesNotRetryByDefault(t *testing.T) {
	p, hits := newTestProvisioner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := p.Provision(context.Background(), "asst-1")
	var apiErr *client.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestProvisionRetriesServerErrors(t *testing.T) {
	var calls int32
	p, hits := newTestProvisioner(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"transport":{"websocketCallUrl":"wss://example/retry"}}`))
	}, WithRetries(5))

	url, err := p.Provision(context.Background(), "asst-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://example/retry", url)
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
}

func TestProvisionDoesNotRetryClientErrors(t *testing.T) {
	p, hits := newTestProvisioner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"statusCode":400,"message":["assistantId must be a UUID"],"error":"Bad Request"}`))
	}, WithRetries(5))

	_, err := p.Provision(context.Background(), "asst-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestProvisionTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, _ := newTestProvisioner(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := p.Provision(context.Background(), "asst-1")
	var perr *ProvisionError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("VAPI_API_KEY", "")
	_, err := New()
	require.Error(t, err)
}
