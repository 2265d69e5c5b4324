// Package model defines the data types shared by the HOT and COLD paths.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// MemoryEvent is a candidate fact produced by an agent turn.
//
// Events are immutable once enqueued. The COLD path consumes each event at
// least once and its effect on the index is idempotent.
type MemoryEvent struct {
	// ID identifies the event on the queue. Assigned on enqueue when empty.
	ID string `json:"id" msgpack:"id"`

	// TenantID scopes the event. Required.
	TenantID string `json:"tenant_id" msgpack:"tenant_id"`

	// UserID scopes the event within the tenant. Required.
	UserID string `json:"user_id" msgpack:"user_id"`

	// AgentID identifies the agent that observed the turn.
	AgentID string `json:"agent_id" msgpack:"agent_id"`

	// Timestamp is when the turn happened.
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`

	// RawText is the unredacted turn text.
	RawText string `json:"raw_text" msgpack:"raw_text"`

	// SourceMessageID points back at the conversation message.
	SourceMessageID string `json:"source_message_id" msgpack:"source_message_id"`

	// Tags are caller supplied hints such as "preference" or "fact".
	Tags []string `json:"tags,omitempty" msgpack:"tags,omitempty"`

	// ToolOutputs carries tool results attached to the turn.
	ToolOutputs []string `json:"tool_outputs,omitempty" msgpack:"tool_outputs,omitempty"`

	// PIISuspected is set by the producer when it already suspects PII.
	PIISuspected bool `json:"pii_suspected,omitempty" msgpack:"pii_suspected,omitempty"`
}

// Validate checks the fields every event must carry. Failures are permanent.
func (e *MemoryEvent) Validate() error {
	if e == nil {
		return goerr.Wrap(ErrPermanentEvent, "nil event")
	}
	if strings.TrimSpace(e.TenantID) == "" || strings.TrimSpace(e.UserID) == "" {
		return goerr.Wrap(ErrPermanentEvent, "event has no tenant or user scope", goerr.V("event_id", e.ID))
	}
	if strings.TrimSpace(e.RawText) == "" {
		return goerr.Wrap(ErrPermanentEvent, "event has empty text", goerr.V("event_id", e.ID))
	}
	if e.Timestamp.IsZero() {
		return goerr.Wrap(ErrPermanentEvent, "event has no timestamp", goerr.V("event_id", e.ID))
	}
	return nil
}

// PartitionKey returns the key used to route the event to a worker.
func (e *MemoryEvent) PartitionKey() string {
	return e.TenantID + "|" + e.UserID
}

// PIIType names a class of sensitive data.
type PIIType string

const (
	PIIEmail      PIIType = "EMAIL"
	PIIPhone      PIIType = "PHONE"
	PIISSN        PIIType = "SSN"
	PIICreditCard PIIType = "CREDIT_CARD"
	PIIIPAddress  PIIType = "IP_ADDRESS"
)

// RedactionMode controls what happens to a detected PII span.
type RedactionMode string

const (
	// ModeMask replaces the span with a [REDACTED:TYPE] placeholder.
	ModeMask RedactionMode = "mask"

	// ModeDrop removes the span and collapses surrounding whitespace.
	ModeDrop RedactionMode = "drop"

	// ModeTag leaves the text untouched and only records the span.
	ModeTag RedactionMode = "tag"
)

// ParseRedactionMode maps a config string to a mode. Unknown values mask.
func ParseRedactionMode(s string) RedactionMode {
	switch RedactionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDrop:
		return ModeDrop
	case ModeTag:
		return ModeTag
	default:
		return ModeMask
	}
}

// PIISpan records one detected span. Offsets index the original text.
type PIISpan struct {
	Type  PIIType       `json:"type"`
	Mode  RedactionMode `json:"mode"`
	Start int           `json:"start"`
	End   int           `json:"end"`
}

// RedactedEvent is a MemoryEvent with the redactor's output attached.
type RedactedEvent struct {
	MemoryEvent

	RedactedText string    `json:"redacted_text"`
	PIIDetected  bool      `json:"pii_detected"`
	PIISpans     []PIISpan `json:"pii_spans,omitempty"`
}

// PIITypes returns the distinct span types in detection order.
func (r *RedactedEvent) PIITypes() []string {
	seen := make(map[PIIType]bool, len(r.PIISpans))
	var types []string
	for _, s := range r.PIISpans {
		if !seen[s.Type] {
			seen[s.Type] = true
			types = append(types, string(s.Type))
		}
	}
	return types
}

// Decision reasons.
const (
	ReasonTooShort      = "too_short"
	ReasonChitChat      = "chit_chat"
	ReasonSingleWord    = "single_word"
	ReasonDuplicate     = "duplicate"
	ReasonDurableTag    = "durable_tag"
	ReasonHeuristicPass = "heuristic_pass"
)

// MemoryDecision is the decider's verdict on one redacted event.
type MemoryDecision struct {
	Keep        bool           `json:"keep"`
	Reason      string         `json:"reason"`
	ContentHash string         `json:"content_hash"`
	TTL         *time.Duration `json:"ttl,omitempty"`
	Durable     bool           `json:"durable"`

	// Confidence in [0,1]. Only the LLM assist moves it away from the
	// heuristic default.
	Confidence float64 `json:"confidence"`
}

// ExpiresAt resolves the decision's TTL against a reference time.
func (d *MemoryDecision) ExpiresAt(from time.Time) *time.Time {
	if d == nil || d.TTL == nil {
		return nil
	}
	t := from.Add(*d.TTL).UTC()
	return &t
}

// MemoryDocument is the persisted unit owned by the index store.
type MemoryDocument struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	UserID      string                 `json:"user_id"`
	AgentID     string                 `json:"agent_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Text        string                 `json:"text"`
	Tags        []string               `json:"tags,omitempty"`
	Vector      []float64              `json:"vector,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	ContentHash string                 `json:"content_hash"`
}

// Expired reports whether the document is past its expiry at now.
func (d *MemoryDocument) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

// DocumentID derives the deterministic document key.
func DocumentID(tenantID, userID, agentID string, ts time.Time, contentHash string) string {
	raw := strings.Join([]string{
		tenantID,
		userID,
		agentID,
		ts.UTC().Format(time.RFC3339Nano),
		contentHash,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RankSources records the 1-based rank of a hit in each result list.
// Zero means the hit was absent from that list.
type RankSources struct {
	LexicalRank int `json:"lexical_rank"`
	VectorRank  int `json:"vector_rank"`
}

// MemoryHit is a read-only projection returned by retrieval.
type MemoryHit struct {
	DocumentID  string                 `json:"document_id"`
	Text        string                 `json:"text"`
	Score       float64                `json:"score"`
	RankSources RankSources            `json:"rank_sources"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
