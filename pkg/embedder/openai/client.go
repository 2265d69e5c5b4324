// Package openai implements embedder.Provider on the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	openai "github.com/sashabaranov/go-openai"
)

// Client is an OpenAI embedding client.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// Config configures the client. Model defaults to text-embedding-3-small.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// NewClient creates a Client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, goerr.Wrap(model.ErrConfiguration, "openai embedder requires an api key")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	name := openai.EmbeddingModel("text-embedding-3-small")
	if cfg.Model != "" {
		name = openai.EmbeddingModel(cfg.Model)
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		model:      name,
		dimensions: dimensions,
	}, nil
}

// Embed implements embedder.Provider.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embedder.Provider.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, goerr.New("unexpected number of embeddings from OpenAI API",
			goerr.V("got", len(resp.Data)), goerr.V("want", len(texts)))
	}

	embeddings := make([][]float64, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, goerr.New("embedding index out of range", goerr.V("index", data.Index))
		}
		vec := make([]float64, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float64(v)
		}
		embeddings[data.Index] = vec
	}

	return embeddings, nil
}

// Dimensions implements embedder.Provider.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close implements embedder.Provider.
func (c *Client) Close() error {
	return nil
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return model.Transient(err, "embedding request failed")
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return model.Transient(err, "embedding request failed", goerr.V("status", status))
	}
	return goerr.Wrap(err, "embedding request rejected", goerr.V("status", status))
}
