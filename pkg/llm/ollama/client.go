// Package ollama implements llm.Provider against a local or remote Ollama
// server's /api/chat endpoint.
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
	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Client talks to Ollama over HTTP.
type Client struct {
	client  *http.Client
	apiKey  string
	model   string
	baseURL string
}

// Config configures the client.
type Config struct {
	// APIKey is only needed for authenticated remote deployments.
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Client with localhost defaults.
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
		name = "llama3.1:8b"
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		client:  client,
		apiKey:  cfg.APIKey,
		model:   name,
		baseURL: baseURL,
	}, nil
}

// Generate implements llm.Provider.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []llm.Message          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// GenerateWithMessages implements llm.Provider.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	body := chatRequest{
		Model:    c.model,
		Messages: messages,
		Options: map[string]interface{}{
			"temperature": options.Temperature,
			"num_predict": options.MaxTokens,
			"top_p":       options.TopP,
		},
	}
	if len(options.Stop) > 0 {
		body.Options["stop"] = options.Stop
	}
	if options.JSONMode {
		body.Format = "json"
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", goerr.Wrap(err, "marshal request")
	}

	url := fmt.Sprintf("%s/api/chat", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", goerr.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", model.Transient(err, "send request", goerr.V("url", url))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		opts := []goerr.Option{goerr.V("status", resp.StatusCode), goerr.V("body", string(data))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", model.Transient(fmt.Errorf("ollama status %d", resp.StatusCode), "chat request failed", opts...)
		}
		return "", goerr.New("chat request failed", opts...)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", goerr.Wrap(err, "decode response")
	}
	if out.Message.Content == "" {
		return "", goerr.New("empty response from Ollama API")
	}

	return out.Message.Content, nil
}

// Close implements llm.Provider.
func (c *Client) Close() error {
	return nil
}
