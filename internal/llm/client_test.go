package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatHandler(t *testing.T, answer string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		if !assert.NoError(t, json.Unmarshal(body, &req)) || !assert.NotEmpty(t, req.Messages) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "user", req.Messages[len(req.Messages)-1].Role)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": answer}, "finish_reason": "stop"},
			},
		})
	}
}

func newClientFor(url string, opts ...HTTPOption) *HTTPClient {
	return NewHTTPClient(HTTPConfig{
		Endpoint:          url,
		APIKey:            "sk-test",
		Model:             "test-model",
		SystemPrompt:      "You are a hospital assistant.",
		RequestsPerSecond: 1000,
	}, opts...)
}

func categoryOf(t *testing.T, err error) Category {
	t.Helper()
	require.Error(t, err)
	return CategoryOf(err)
}

func TestHTTPClientSuccess(t *testing.T) {
	srv := httptest.NewServer(chatHandler(t, "Patient summary: stable."))
	defer srv.Close()

	text, err := newClientFor(srv.URL+"/").Complete(context.Background(), "patient summary request")
	require.NoError(t, err)
	assert.Equal(t, "Patient summary: stable.", text)
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Category
	}{
		{http.StatusUnauthorized, HTTPClientError},
		{http.StatusBadRequest, HTTPClientError},
		{http.StatusServiceUnavailable, HTTPServerError},
		{http.StatusInternalServerError, HTTPServerError},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		_, err := newClientFor(srv.URL).Complete(context.Background(), "p")
		assert.Equal(t, tt.want, categoryOf(t, err), "status %d", tt.status)

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, tt.status, te.StatusCode)
		srv.Close()
	}
}

func TestHTTPClientMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [`))
	}))
	defer srv.Close()

	_, err := newClientFor(srv.URL).Complete(context.Background(), "p")
	assert.Equal(t, JSONParseError, categoryOf(t, err))
}

func TestHTTPClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	_, err := newClientFor(srv.URL).Complete(context.Background(), "p")
	assert.Equal(t, JSONParseError, categoryOf(t, err))
}

func TestHTTPClientEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "  "}, "finish_reason": "stop"}]}`))
	}))
	defer srv.Close()

	text, err := newClientFor(srv.URL).Complete(context.Background(), "p")
	assert.Empty(t, text)
	assert.Equal(t, JSONParseError, categoryOf(t, err))
}

func TestHTTPClientOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, RequestsPerSecond: 1000, MaxResponseBytes: 1024})
	_, err := client.Complete(context.Background(), "p")
	assert.Equal(t, OutOfMemory, categoryOf(t, err))
}

func TestHTTPClientConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClientFor(url).Complete(context.Background(), "p")
	assert.Equal(t, ConnectionRefused, categoryOf(t, err))
}

func TestHTTPClientReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, RequestsPerSecond: 1000, Timeout: 50 * time.Millisecond})
	_, err := client.Complete(context.Background(), "p")
	assert.Equal(t, ReadTimeout, categoryOf(t, err))
}

func TestHTTPClientUntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(chatHandler(t, "unused"))
	defer srv.Close()

	_, err := newClientFor(srv.URL).Complete(context.Background(), "p")
	assert.Equal(t, SSLError, categoryOf(t, err))
}

func TestHTTPClientCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClientFor("http://127.0.0.1:1").Complete(ctx, "p")
	assert.Equal(t, ThreadInterrupted, categoryOf(t, err))
}

func TestHTTPClientWithRetryingClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	client := NewRetryingClient(newClientFor(srv.URL), WithSleep(sleeper.sleep))
	res := client.Call(context.Background(), "p")

	assert.False(t, res.Success)
	assert.Equal(t, HTTPServerError, res.ErrorType)
	assert.Equal(t, 3, res.AttemptsMade)
	assert.Equal(t, int32(3), calls.Load())
}
