package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	"github.com/oceanbase/powermem-hotcold/pkg/llm/ollama"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []llm.Message  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format"`
	Options  map[string]any `json:"options"`
}

func TestClient_GenerateWithMessages(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"keep\": true}"}}`))
	}))
	defer srv.Close()

	c, err := ollama.NewClient(&ollama.Config{BaseURL: srv.URL, APIKey: "secret", Model: "llama3.1"})
	require.NoError(t, err)

	out, err := c.GenerateWithMessages(context.Background(), []llm.Message{
		{Role: "system", Content: "classify"},
		{Role: "user", Content: "I am vegetarian"},
	}, llm.WithTemperature(0), llm.WithJSONMode(), llm.WithStop("###"))
	require.NoError(t, err)
	assert.Equal(t, `{"keep": true}`, out)

	assert.Equal(t, "llama3.1", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "json", got.Format)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, float64(0), got.Options["temperature"])
	assert.Equal(t, []any{"###"}, got.Options["stop"])
}

func TestClient_GenerateErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "server error", status: http.StatusInternalServerError, wantTransient: true},
		{name: "not found", status: http.StatusNotFound, body: `{"error":"model not found"}`},
		{name: "empty content", status: http.StatusOK, body: `{"message":{"content":""}}`},
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

			_, err = c.Generate(context.Background(), "hi")
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, model.IsTransient(err))
		})
	}
}
