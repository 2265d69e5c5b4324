package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/llm"
)

const assistSystemPrompt = `You classify conversation turns for a long-term memory store.
A turn is worth remembering when it states a preference, a durable fact about the user,
a constraint, or an explicit decision. Greetings, acknowledgements and small talk are not.
Respond with JSON only: {"keep": true|false, "reason": "<short reason>"}`

// Assistant asks an LLM whether a turn is worth remembering.
type Assistant struct {
	llm llm.Provider
}

// NewAssistant creates an Assistant backed by provider.
func NewAssistant(provider llm.Provider) *Assistant {
	return &Assistant{llm: provider}
}

type assistResponse struct {
	Keep   *bool  `json:"keep"`
	Reason string `json:"reason"`
}

// Classify returns the model's keep verdict for text.
func (a *Assistant) Classify(ctx context.Context, text string) (bool, error) {
	messages := []llm.Message{
		{Role: "system", Content: assistSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Turn: %s", text)},
	}

	response, err := a.llm.GenerateWithMessages(ctx, messages,
		llm.WithTemperature(0),
		llm.WithMaxTokens(64),
	)
	if err != nil {
		return false, goerr.Wrap(err, "llm classification failed")
	}

	return parseAssistResponse(response)
}

func parseAssistResponse(response string) (bool, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start >= 0 && end > start {
		var out assistResponse
		if err := json.Unmarshal([]byte(response[start:end+1]), &out); err == nil && out.Keep != nil {
			return *out.Keep, nil
		}
	}

	lower := strings.ToLower(response)
	switch {
	case strings.Contains(lower, "true") || strings.HasPrefix(strings.TrimSpace(lower), "yes"):
		return true, nil
	case strings.Contains(lower, "false") || strings.HasPrefix(strings.TrimSpace(lower), "no"):
		return false, nil
	}
	return false, goerr.New("unparseable classification", goerr.V("response", response))
}
