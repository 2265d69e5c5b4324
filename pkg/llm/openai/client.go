// Package openai implements llm.Provider on the OpenAI chat completions API.
// Any OpenAI compatible endpoint (DeepSeek, Azure OpenAI proxies, vLLM)
// works through Config.BaseURL.
package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	openai "github.com/sashabaranov/go-openai"
)

// Client is an OpenAI chat client.
type Client struct {
	client *openai.Client
	model  string
}

// Config configures the client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a Client. Model defaults to gpt-4o-mini.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, goerr.Wrap(model.ErrConfiguration, "openai llm requires an api key")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	name := cfg.Model
	if name == "" {
		name = "gpt-4o-mini"
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  name,
	}, nil
}

// Generate implements llm.Provider.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// GenerateWithMessages implements llm.Provider.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	}
	if options.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err, "chat completion failed")
	}

	if len(resp.Choices) == 0 {
		return "", goerr.New("no choices returned from OpenAI API", goerr.V("model", c.model))
	}

	return resp.Choices[0].Message.Content, nil
}

// Close implements llm.Provider.
func (c *Client) Close() error {
	return nil
}

// classify marks rate limits and server errors as transient.
func classify(err error, msg string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return model.Transient(err, msg, goerr.V("status", apiErr.HTTPStatusCode))
		}
		return goerr.Wrap(err, msg, goerr.V("status", apiErr.HTTPStatusCode))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return model.Transient(err, msg, goerr.V("status", reqErr.HTTPStatusCode))
		}
		return goerr.Wrap(err, msg, goerr.V("status", reqErr.HTTPStatusCode))
	}
	return model.Transient(err, msg)
}
