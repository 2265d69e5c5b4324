package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-hotcold/pkg/embedder/ollama"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

func TestNewClient_Defaults(t *testing.T) {
	c, err := ollama.NewClient(nil)
	require.NoError(t, err)
	assert.Equal(t, 768, c.Dimensions())

	c, err = ollama.NewClient(&ollama.Config{Model: "all-minilm"})
	require.NoError(t, err)
	assert.Equal(t, 384, c.Dimensions())
}

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{float64(len(req.Prompt)), 1}})
	}))
	defer srv.Close()

	c, err := ollama.NewClient(&ollama.Config{BaseURL: srv.URL, Dimensions: 2})
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"tea", "coffee"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{3, 1}, {6, 1}}, vecs)
}

func TestClient_EmbedErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "server error", status: http.StatusServiceUnavailable, body: "loading model", wantTransient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "bad request", status: http.StatusBadRequest, body: "model not found"},
		{name: "empty embedding", status: http.StatusOK, body: `{"embedding":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := ollama.NewClient(&ollama.Config{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = c.Embed(context.Background(), "hello")
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, model.IsTransient(err))
		})
	}
}
