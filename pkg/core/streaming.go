package core

import (
	"context"
	"io"
	"iter"

	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/oceanbase/powermem-hotcold/pkg/logging"
)

// BackfillStream replays events like Backfill but streams one result per
// input record as soon as it is known.
//
// Results of one user arrive in input order; results of different users
// may interleave when WithConcurrency is above one. The channel is closed
// when the input is exhausted or ctx is cancelled. When memory is disabled
// the channel is closed immediately.
//
// Parameters:
//   - ctx: Context for cancellation
//   - events: Event iterator, e.g. ingest.ReadJSONL or ingest.Events
//   - opts: WithDryRun, WithConcurrency
//
// Example:
//
//	for res := range client.BackfillStream(ctx, ingest.ReadJSONL(f)) {
//	    if res.Outcome.Err != nil {
//	        log.Printf("line %d: %v", res.Line, res.Outcome.Err)
//	    }
//	}
func (c *Client) BackfillStream(ctx context.Context, events iter.Seq2[*MemoryEvent, error], opts ...BackfillOption) <-chan BackfillResult {
	if !c.config.Flags.MemoryEnabled {
		c.disabled.Inc(ctx)
		ch := make(chan BackfillResult)
		close(ch)
		return ch
	}
	o := applyBackfillOptions(opts)
	return ingest.BackfillStream(logging.With(ctx, c.logger), c.pipeline, events, ingest.BackfillOptions{
		DryRun:      o.DryRun,
		Concurrency: o.Concurrency,
	})
}

// BackfillJSONL replays a JSON Lines stream, one event per line.
//
// Each line carries id, tenant_id, user_id, agent_id, ts (epoch seconds or
// RFC 3339), text, source_message_id, tags, tool_outputs and pii_suspected.
// Lines that fail to decode are counted as errors and do not stop the run.
func (c *Client) BackfillJSONL(ctx context.Context, r io.Reader, opts ...BackfillOption) (*BackfillReport, error) {
	return c.Backfill(ctx, ingest.ReadJSONL(r), opts...)
}
