package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	powermem "github.com/oceanbase/powermem-hotcold/pkg/core"
)

func TestFormatHits(t *testing.T) {
	tests := []struct {
		name string
		hits []powermem.MemoryHit
		want string
	}{
		{
			name: "no hits",
			want: "",
		},
		{
			name: "rank order with dates",
			hits: []powermem.MemoryHit{
				{Text: "Vegetarian, allergic to shellfish.", Timestamp: time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)},
				{Text: "Prefers   window\nseats", Timestamp: time.Date(2024, 4, 12, 8, 0, 0, 0, time.UTC)},
			},
			want: "Relevant memories:\n- Vegetarian, allergic to shellfish. (2024-05-01)\n- Prefers window seats (2024-04-12)",
		},
		{
			name: "missing timestamp and blank text",
			hits: []powermem.MemoryHit{
				{Text: "Lives in Lisbon"},
				{Text: "   "},
			},
			want: "Relevant memories:\n- Lives in Lisbon",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, powermem.FormatHits(tt.hits))
		})
	}
}

func TestNewEvent(t *testing.T) {
	ev := powermem.NewEvent("acme", "elena", "concierge", "I prefer tea")
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, "elena", ev.UserID)
	assert.Equal(t, "concierge", ev.AgentID)
	assert.Equal(t, "I prefer tea", ev.RawText)
	assert.Empty(t, ev.ID)
	assert.True(t, ev.Timestamp.IsZero())
}
