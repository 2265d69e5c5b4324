package core

import (
	"time"

	"github.com/oceanbase/powermem-hotcold/pkg/deadletter"
	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/retrieval"
)

// MemoryEvent is one conversational turn submitted for ingestion.
type MemoryEvent = model.MemoryEvent

// MemoryHit is one HOT retrieval result.
type MemoryHit = model.MemoryHit

// BackfillReport summarises a replay.
type BackfillReport = ingest.BackfillReport

// BackfillResult is the per-record outcome streamed by BackfillStream.
type BackfillResult = ingest.BackfillResult

// DeadLetter is an event that could not be stored.
type DeadLetter = deadletter.Entry

// Stats is a snapshot of the client's counters.
//
// Example:
//
//	stats := client.Stats()
//	fmt.Printf("served %d of %d retrievals, %d events stored\n",
//	    stats.Retrieval.Served, stats.Retrieval.Requests, stats.Ingest.Upserted)
type Stats struct {
	// Enqueued counts events accepted by EnqueueWrite.
	Enqueued int64 `json:"enqueued"`

	// Rejected counts events EnqueueWrite dropped because the queue was
	// full or closed.
	Rejected int64 `json:"rejected"`

	// Disabled counts calls short-circuited by feature flags.
	Disabled int64 `json:"disabled"`

	// Retrieval holds the HOT engine counters.
	Retrieval retrieval.Stats `json:"retrieval"`

	// Ingest holds the COLD pipeline counters, including backfills.
	Ingest ingest.Stats `json:"ingest"`

	// Workers holds queue delivery counters.
	Workers ingest.PoolStats `json:"workers"`

	// Swept is the number of documents removed by TTL sweeps.
	Swept int64 `json:"swept"`
}

// NewEvent builds an event for EnqueueWrite. ID and timestamp are filled
// in by the client when left empty.
//
// Example:
//
//	client.EnqueueWrite(ctx, core.NewEvent("acme", "user_001", "concierge",
//	    "I'm vegetarian and allergic to shellfish"))
func NewEvent(tenantID, userID, agentID, text string) *MemoryEvent {
	return &MemoryEvent{
		TenantID: tenantID,
		UserID:   userID,
		AgentID:  agentID,
		RawText:  text,
	}
}

// hitDate formats a hit timestamp for the injection block.
func hitDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
