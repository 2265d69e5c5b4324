// Package redact detects and removes personally identifiable information
// from conversation text before it is considered for long-term memory.
package redact

import (
	"sort"
	"strings"
	"unicode"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Result is the output of a single redaction pass.
type Result struct {
	RedactedText string
	PIIDetected  bool
	Spans        []model.PIISpan
}

// Redactor applies a fixed pattern set. It holds no mutable state and is
// safe for concurrent use.
type Redactor struct {
	patterns []Pattern
	mode     model.RedactionMode
	enabled  bool
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithPatterns replaces the default pattern set.
func WithPatterns(patterns []Pattern) Option {
	return func(r *Redactor) {
		r.patterns = patterns
	}
}

// WithMode sets the default mode used by RedactEvent.
func WithMode(mode model.RedactionMode) Option {
	return func(r *Redactor) {
		r.mode = mode
	}
}

// WithEnabled turns redaction on or off. A disabled redactor passes text
// through unchanged.
func WithEnabled(enabled bool) Option {
	return func(r *Redactor) {
		r.enabled = enabled
	}
}

// New creates a Redactor with the default patterns in mask mode.
func New(opts ...Option) *Redactor {
	r := &Redactor{
		patterns: DefaultPatterns(),
		mode:     model.ModeMask,
		enabled:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the redactor's default mode.
func (r *Redactor) Mode() model.RedactionMode {
	return r.mode
}

// RedactText redacts text with the default mode. A disabled redactor
// returns text unchanged with no spans.
func (r *Redactor) RedactText(text string) Result {
	if !r.enabled {
		return Result{RedactedText: text}
	}
	return r.Redact(text, r.mode)
}

// RedactEvent redacts the event text with the default mode.
func (r *Redactor) RedactEvent(event model.MemoryEvent) model.RedactedEvent {
	res := r.RedactText(event.RawText)
	return model.RedactedEvent{
		MemoryEvent:  event,
		RedactedText: res.RedactedText,
		PIIDetected:  res.PIIDetected,
		PIISpans:     res.Spans,
	}
}

// Redact scans text once per pattern and applies mode to every accepted
// span. Spans are resolved against the original text: the leftmost match
// wins, then the longest, then the earlier pattern.
func (r *Redactor) Redact(text string, mode model.RedactionMode) Result {
	spans := r.findSpans(text, mode)
	if len(spans) == 0 {
		return Result{RedactedText: text}
	}

	res := Result{PIIDetected: true, Spans: spans}
	switch mode {
	case model.ModeTag:
		res.RedactedText = text
	case model.ModeDrop:
		res.RedactedText = drop(text, spans)
	default:
		res.RedactedText = mask(text, spans)
	}
	return res
}

// Redact runs the default patterns over text.
func Redact(text string, mode model.RedactionMode) Result {
	return New().Redact(text, mode)
}

type candidate struct {
	span  model.PIISpan
	order int
}

func (r *Redactor) findSpans(text string, mode model.RedactionMode) []model.PIISpan {
	var candidates []candidate
	for i, p := range r.patterns {
		for _, loc := range p.Expr.FindAllStringIndex(text, -1) {
			if loc[1] <= loc[0] {
				continue
			}
			candidates = append(candidates, candidate{
				span:  model.PIISpan{Type: p.Type, Mode: mode, Start: loc[0], End: loc[1]},
				order: i,
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].span, candidates[j].span
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return candidates[i].order < candidates[j].order
	})

	spans := make([]model.PIISpan, 0, len(candidates))
	end := -1
	for _, c := range candidates {
		if c.span.Start < end {
			continue
		}
		spans = append(spans, c.span)
		end = c.span.End
	}
	return spans
}

// Placeholder returns the mask text for a PII type.
func Placeholder(t model.PIIType) string {
	return "[REDACTED:" + string(t) + "]"
}

func mask(text string, spans []model.PIISpan) string {
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.Start])
		b.WriteString(Placeholder(s.Type))
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func drop(text string, spans []model.PIISpan) string {
	out := ""
	last := 0
	for _, s := range spans {
		out = joinTrimmed(out, text[last:s.Start])
		last = s.End
	}
	out = joinTrimmed(out, text[last:])
	return strings.TrimSpace(out)
}

// joinTrimmed glues left and right with at most one space, dropping the
// space before closing punctuation.
func joinTrimmed(left, right string) string {
	left = strings.TrimRightFunc(left, unicode.IsSpace)
	right = strings.TrimLeftFunc(right, unicode.IsSpace)
	if left == "" || right == "" {
		return left + right
	}
	if strings.ContainsRune(".,;:!?)]}", rune(right[0])) {
		return left + right
	}
	if strings.ContainsRune("([{", rune(left[len(left)-1])) {
		return left + right
	}
	return left + " " + right
}
