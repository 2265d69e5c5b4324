// Package ollama implements embedder.Provider on Ollama's /api/embeddings.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Client embeds text with a local Ollama model.
type Client struct {
	client     *http.Client
	model      string
	baseURL    string
	dimensions int
}

// Config configures the client. Model defaults to nomic-embed-text (768 dims).
type Config struct {
	Model      string
	BaseURL    string
	Dimensions int
	HTTPClient *http.Client
}

// NewClient creates a Client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	name := cfg.Model
	if name == "" {
		name = "nomic-embed-text"
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 768
		if name == "all-minilm" {
			dimensions = 384
		}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		client:     client,
		model:      name,
		baseURL:    baseURL,
		dimensions: dimensions,
	}, nil
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements embedder.Provider.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, goerr.Wrap(err, "marshal request")
	}

	url := c.baseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, model.Transient(err, "ollama request failed", goerr.V("url", url))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		opts := []goerr.Option{goerr.V("status", resp.StatusCode), goerr.V("body", string(data))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, model.Transient(fmt.Errorf("ollama status %d", resp.StatusCode), "ollama embedding failed", opts...)
		}
		return nil, goerr.New("ollama embedding failed", opts...)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, goerr.Wrap(err, "decode response")
	}
	if len(out.Embedding) == 0 {
		return nil, goerr.New("empty embedding from Ollama", goerr.V("model", c.model))
	}
	return out.Embedding, nil
}

// EmbedBatch implements embedder.Provider. Ollama's embeddings endpoint
// takes one prompt per request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements embedder.Provider.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close implements embedder.Provider.
func (c *Client) Close() error {
	return nil
}
