package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

func TestMemoryEvent_Validate(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	valid := func() *model.MemoryEvent {
		return &model.MemoryEvent{ID: "e1", TenantID: "acme", UserID: "elena", Timestamp: ts, RawText: "I prefer tea"}
	}

	tests := []struct {
		name    string
		mutate  func(e *model.MemoryEvent)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *model.MemoryEvent) {}},
		{name: "missing tenant", mutate: func(e *model.MemoryEvent) { e.TenantID = "" }, wantErr: true},
		{name: "blank user", mutate: func(e *model.MemoryEvent) { e.UserID = "  " }, wantErr: true},
		{name: "empty text", mutate: func(e *model.MemoryEvent) { e.RawText = "\n\t" }, wantErr: true},
		{name: "zero timestamp", mutate: func(e *model.MemoryEvent) { e.Timestamp = time.Time{} }, wantErr: true},
		{name: "agent is optional", mutate: func(e *model.MemoryEvent) { e.AgentID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid()
			tt.mutate(ev)
			err := ev.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrPermanentEvent)
				return
			}
			assert.NoError(t, err)
		})
	}

	var nilEvent *model.MemoryEvent
	assert.ErrorIs(t, nilEvent.Validate(), model.ErrPermanentEvent)
}

func TestMemoryEvent_PartitionKey(t *testing.T) {
	a := &model.MemoryEvent{TenantID: "acme", UserID: "elena", AgentID: "concierge"}
	b := &model.MemoryEvent{TenantID: "acme", UserID: "elena", AgentID: "planner"}
	c := &model.MemoryEvent{TenantID: "acme", UserID: "marco"}

	assert.Equal(t, a.PartitionKey(), b.PartitionKey())
	assert.NotEqual(t, a.PartitionKey(), c.PartitionKey())
}

func TestParseRedactionMode(t *testing.T) {
	tests := []struct {
		in   string
		want model.RedactionMode
	}{
		{in: "mask", want: model.ModeMask},
		{in: " DROP ", want: model.ModeDrop},
		{in: "tag", want: model.ModeTag},
		{in: "", want: model.ModeMask},
		{in: "shred", want: model.ModeMask},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, model.ParseRedactionMode(tt.in))
		})
	}
}

func TestRedactedEvent_PIITypes(t *testing.T) {
	ev := &model.RedactedEvent{PIISpans: []model.PIISpan{
		{Type: model.PIIEmail, Start: 0, End: 5},
		{Type: model.PIIPhone, Start: 10, End: 20},
		{Type: model.PIIEmail, Start: 30, End: 35},
	}}
	assert.Equal(t, []string{"EMAIL", "PHONE"}, ev.PIITypes())
	assert.Nil(t, (&model.RedactedEvent{}).PIITypes())
}

func TestMemoryDecision_ExpiresAt(t *testing.T) {
	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	ttl := 24 * time.Hour

	d := &model.MemoryDecision{Keep: true, TTL: &ttl}
	got := d.ExpiresAt(from)
	if assert.NotNil(t, got) {
		assert.Equal(t, time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC), *got)
		assert.Equal(t, time.UTC, got.Location())
	}

	assert.Nil(t, (&model.MemoryDecision{Keep: true, Durable: true}).ExpiresAt(from))

	var nilDecision *model.MemoryDecision
	assert.Nil(t, nilDecision.ExpiresAt(from))
}

func TestMemoryDocument_Expired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.False(t, (&model.MemoryDocument{}).Expired(now))
	assert.True(t, (&model.MemoryDocument{ExpiresAt: &past}).Expired(now))
	assert.True(t, (&model.MemoryDocument{ExpiresAt: &now}).Expired(now))
	assert.False(t, (&model.MemoryDocument{ExpiresAt: &future}).Expired(now))
}

func TestDocumentID(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := model.DocumentID("acme", "elena", "concierge", ts, "abc")

	assert.Len(t, id, 64)
	assert.Equal(t, id, model.DocumentID("acme", "elena", "concierge", ts, "abc"))
	assert.Equal(t, id, model.DocumentID("acme", "elena", "concierge", ts.In(time.FixedZone("X", 3600)), "abc"),
		"same instant in another zone")
	assert.NotEqual(t, id, model.DocumentID("acme", "elena", "concierge", ts, "abd"))
	assert.NotEqual(t, id, model.DocumentID("acme", "marco", "concierge", ts, "abc"))
	assert.NotEqual(t, id, model.DocumentID("acme", "elena", "concierge", ts.Add(time.Nanosecond), "abc"))
}
