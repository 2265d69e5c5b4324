// Package llm defines the chat-completion interface used by the decider's
// classification assist and the semantic re-ranker.
package llm

import "context"

// Provider generates text from chat messages.
//
// Implementations must honour ctx cancellation: the HOT path re-ranker
// runs under the retrieval budget.
type Provider interface {
	// Generate sends a single user prompt.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages sends a full conversation.
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases resources held by the provider.
	Close() error
}

// Message is one chat message. Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions controls sampling.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string

	// JSONMode asks providers that support it for a JSON object response.
	JSONMode bool
}

// GenerateOption mutates GenerateOptions.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(max int) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.MaxTokens = max
	}
}

// WithTopP sets nucleus sampling.
func WithTopP(topP float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.TopP = topP
	}
}

// WithStop sets stop sequences.
func WithStop(stop ...string) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Stop = stop
	}
}

// WithJSONMode requests a JSON object response.
func WithJSONMode() GenerateOption {
	return func(opts *GenerateOptions) {
		opts.JSONMode = true
	}
}

// ApplyGenerateOptions resolves opts over the defaults
// (Temperature=0.7, MaxTokens=1000, TopP=1.0).
func ApplyGenerateOptions(opts []GenerateOption) *GenerateOptions {
	options := &GenerateOptions{
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
