package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const embeddingBody = `{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.5,-0.25,1]}]}`

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"hello"}, body.Input)
		assert.Equal(t, "text-embedding-3-small", body.Model)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, embeddingBody)
	}))
	defer srv.Close()

	c := newClient("sk-test", Config{BaseURL: srv.URL + "/v1"})
	assert.Equal(t, 0, c.Dimension())

	v, err := c.Embed(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -0.25, 1}, v)
	assert.Equal(t, 3, c.Dimension())
	assert.Equal(t, "openai", c.Name())
}

func TestClient_EmbedNoRetriesByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	c := newClient("sk-test", Config{BaseURL: srv.URL + "/v1"})
	_, err := c.Embed(context.Background(), "hello")

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_EmbedRetriesWhenConfigured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"busy","type":"server_error"}}`)
			return
		}
		_, _ = io.WriteString(w, embeddingBody)
	}))
	defer srv.Close()

	c := newClient("sk-test", Config{BaseURL: srv.URL + "/v1", MaxRetries: 2})
	v, err := c.Embed(context.Background(), "hello")

	require.NoError(t, err)
	assert.Len(t, v, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, retryDelay(0))
	assert.Equal(t, 400*time.Millisecond, retryDelay(1))
	assert.Equal(t, 5*time.Second, retryDelay(10))
}
