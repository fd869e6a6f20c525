package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReturnsStatusHeadersBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil)
	resp, err := c.Send(context.Background(), http.MethodGet, srv.URL,
		map[string]string{"Authorization": "Bearer token123"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "42", resp.Headers.Get("X-RateLimit-Remaining"))
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestSendNonOKStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil)
	resp, err := c.Send(context.Background(), http.MethodGet, srv.URL, nil, nil, 0)
	require.NoError(t, err, "status handling belongs to the caller")
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil)
	_, err := c.Send(context.Background(), http.MethodGet, srv.URL, nil, nil, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestSendContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(DefaultConfig(), nil)
	_, err := c.Send(ctx, http.MethodGet, srv.URL, nil, nil, 0)
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/myself", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil)
	assert.NoError(t, c.Probe(context.Background(), srv.URL, "good"))
	assert.Error(t, c.Probe(context.Background(), srv.URL, "bad"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://example.com/api/v2/issues",
		redact("https://example.com/api/v2/issues?apiKey=secret"))
	assert.Equal(t, "://bad", redact("://bad"))
}
