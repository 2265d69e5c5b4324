// Package decider decides whether a redacted conversation turn is worth
// keeping as long-term memory, fingerprints it for deduplication and
// assigns a time-to-live to volatile content.
package decider

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

const (
	// DefaultMinTextLength is the shortest trimmed text worth keeping.
	DefaultMinTextLength = 15

	// DefaultTTL applies to content that is neither durable nor volatile.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultVolatileTTL applies to content about the present moment.
	DefaultVolatileTTL = 24 * time.Hour

	heuristicConfidence = 0.6
	agreeConfidence     = 0.9
	disagreeConfidence  = 0.3
)

// DurableTags mark content that never expires.
var DurableTags = map[string]bool{
	"preference":   true,
	"constraint":   true,
	"decision":     true,
	"tool_outcome": true,
	"task_state":   true,
	"fact":         true,
	"final_answer": true,
}

var chitChat = map[string]bool{
	"hi":        true,
	"hello":     true,
	"hey":       true,
	"ok":        true,
	"okay":      true,
	"thanks":    true,
	"thank you": true,
	"bye":       true,
	"yes":       true,
	"no":        true,
	"sure":      true,
	"cool":      true,
}

var durablePhrases = []string{
	"my name is",
	"i am allergic",
	"allergic to",
	"i prefer",
	"i like",
	"i love",
	"i hate",
	"i don't like",
	"i do not like",
	"i always",
	"i never",
	"i'm a ",
	"i am a ",
	"vegetarian",
	"vegan",
	"i decided",
	"we decided",
	"let's go with",
	"remember that",
	"my birthday",
	"i live in",
	"i work at",
	"i work as",
}

var volatilePhrases = []string{
	"today",
	"tonight",
	"right now",
	"at the moment",
	"this morning",
	"this afternoon",
	"this evening",
	"currently",
	"i feel",
	"i'm feeling",
	"i am feeling",
}

// Config holds the decider's tunables.
type Config struct {
	MinTextLength int
	DefaultTTL    time.Duration
	VolatileTTL   time.Duration

	// LLMEnabled turns on the LLM assist. It needs an llm.Provider.
	LLMEnabled bool
}

// DefaultConfig returns the built-in heuristics configuration.
func DefaultConfig() Config {
	return Config{
		MinTextLength: DefaultMinTextLength,
		DefaultTTL:    DefaultTTL,
		VolatileTTL:   DefaultVolatileTTL,
	}
}

// HistorySignal carries what the pipeline knows about the event's context.
type HistorySignal struct {
	// Tags supplied by the producer.
	Tags []string

	// SeenBefore is true when a live document with the same content hash
	// already exists for the user.
	SeenBefore bool
}

// Decider applies the retention policy. Safe for concurrent use.
type Decider struct {
	cfg    Config
	assist *Assistant
}

// New creates a Decider. provider may be nil; the assist is only used when
// cfg.LLMEnabled is set and a provider is given.
func New(cfg Config, provider llm.Provider) *Decider {
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = DefaultMinTextLength
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.VolatileTTL <= 0 {
		cfg.VolatileTTL = DefaultVolatileTTL
	}

	d := &Decider{cfg: cfg}
	if cfg.LLMEnabled && provider != nil {
		d.assist = NewAssistant(provider)
	}
	return d
}

// Decide returns the verdict for one redacted text.
//
// The heuristic is authoritative. The LLM assist, when enabled, only moves
// Confidence and never changes Keep.
func (d *Decider) Decide(ctx context.Context, tenantID, userID, redactedText string, signal HistorySignal) model.MemoryDecision {
	decision := model.MemoryDecision{
		ContentHash: ContentHash(tenantID, userID, redactedText),
		Confidence:  heuristicConfidence,
	}

	normalized := Normalize(redactedText)
	bare := strings.TrimFunc(normalized, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})

	switch {
	case chitChat[bare]:
		decision.Reason = model.ReasonChitChat
		return decision
	case len([]rune(normalized)) < d.cfg.MinTextLength:
		decision.Reason = model.ReasonTooShort
		return decision
	case len(strings.Fields(bare)) < 2:
		decision.Reason = model.ReasonSingleWord
		return decision
	}

	decision.Keep = true
	decision.Reason = model.ReasonHeuristicPass

	switch {
	case hasDurableTag(signal.Tags):
		decision.Durable = true
		decision.Reason = model.ReasonDurableTag
	case containsAny(normalized, durablePhrases):
		decision.Durable = true
	case containsAny(normalized, volatilePhrases):
		ttl := d.cfg.VolatileTTL
		decision.TTL = &ttl
	default:
		ttl := d.cfg.DefaultTTL
		decision.TTL = &ttl
	}

	if signal.SeenBefore {
		decision.Reason = model.ReasonDuplicate
	}

	if d.assist != nil {
		agree, err := d.assist.Classify(ctx, redactedText)
		if err != nil {
			logging.From(ctx).Warn("decider llm assist failed", "error", err)
		} else if agree {
			decision.Confidence = agreeConfidence
		} else {
			decision.Confidence = disagreeConfidence
		}
	}

	return decision
}

func hasDurableTag(tags []string) bool {
	for _, t := range tags {
		if DurableTags[strings.ToLower(strings.TrimSpace(t))] {
			return true
		}
	}
	return false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
