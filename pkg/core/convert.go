package core

import (
	"strings"
)

// contextHeader opens the block built by FormatHits.
const contextHeader = "Relevant memories:"

// FormatHits renders hits as a block an agent can place in its prompt,
// one line per memory in rank order, each with the date it was observed.
// It returns "" for no hits so callers can skip the block entirely.
//
// Example output:
//
//	Relevant memories:
//	- My name is Elena, vegetarian, allergic to shellfish. (2024-05-01)
//	- I prefer window seats on long flights (2024-04-12)
func FormatHits(hits []MemoryHit) string {
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(contextHeader)
	for _, hit := range hits {
		text := strings.Join(strings.Fields(hit.Text), " ")
		if text == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(text)
		if date := hitDate(hit.Timestamp); date != "" {
			b.WriteString(" (")
			b.WriteString(date)
			b.WriteString(")")
		}
	}
	return b.String()
}
