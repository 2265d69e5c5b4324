package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/queue"
)

// BackfillOptions controls a replay.
type BackfillOptions struct {
	// DryRun redacts and decides without embedding or writing.
	DryRun bool

	// Concurrency is the number of parallel lanes. Events are assigned to
	// lanes by tenant and user, so per-user order is kept. Defaults to 1.
	Concurrency int
}

// BackfillResult is the outcome for one input record.
type BackfillResult struct {
	// Line is the 1-based record number in the input.
	Line    int
	Event   *model.MemoryEvent
	Outcome Outcome
}

// BackfillReport summarises a replay.
type BackfillReport struct {
	Total        int  `json:"total"`
	Stored       int  `json:"stored"`
	Skipped      int  `json:"skipped"`
	DeadLettered int  `json:"dead_lettered"`
	Errors       int  `json:"errors"`
	DryRun       bool `json:"dry_run"`
}

// Add counts one result. In a dry run, kept events count as stored.
func (r *BackfillReport) Add(res BackfillResult) {
	r.Total++
	switch res.Outcome.State {
	case StateUpserted:
		r.Stored++
	case StateDecided:
		if res.Outcome.Decision != nil && res.Outcome.Decision.Keep {
			r.Stored++
		} else {
			r.Errors++
		}
	case StateDropped:
		r.Skipped++
	case StateDeadLettered:
		r.DeadLettered++
	default:
		r.Errors++
	}
}

// Events adapts a slice to the iterator Backfill consumes.
func Events(events []*model.MemoryEvent) iter.Seq2[*model.MemoryEvent, error] {
	return func(yield func(*model.MemoryEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Backfill replays events through the pipeline and returns the summary.
func Backfill(ctx context.Context, p *Pipeline, events iter.Seq2[*model.MemoryEvent, error], opts BackfillOptions) *BackfillReport {
	report := &BackfillReport{DryRun: opts.DryRun}
	for res := range BackfillStream(ctx, p, events, opts) {
		report.Add(res)
	}
	return report
}

// BackfillStream replays events and streams one result per input record.
// Records that fail to decode produce a Failed outcome. The channel is
// closed when the input is exhausted or ctx ends.
func BackfillStream(ctx context.Context, p *Pipeline, events iter.Seq2[*model.MemoryEvent, error], opts BackfillOptions) <-chan BackfillResult {
	lanes := opts.Concurrency
	if lanes <= 0 {
		lanes = 1
	}
	var popts []ProcessOption
	if opts.DryRun {
		popts = append(popts, DryRun())
	}

	type job struct {
		line  int
		event *model.MemoryEvent
	}

	out := make(chan BackfillResult)
	inputs := make([]chan job, lanes)
	var wg sync.WaitGroup

	emit := func(res BackfillResult) bool {
		select {
		case out <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for i := range inputs {
		inputs[i] = make(chan job)
		wg.Add(1)
		go func(in <-chan job) {
			defer wg.Done()
			for j := range in {
				outcome := p.Process(ctx, j.event, popts...)
				emit(BackfillResult{Line: j.line, Event: j.event, Outcome: outcome})
			}
		}(inputs[i])
	}

	go func() {
		defer close(out)
		defer wg.Wait()
		defer func() {
			for _, in := range inputs {
				close(in)
			}
		}()

		line := 0
		for ev, err := range events {
			line++
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if !emit(BackfillResult{Line: line, Outcome: Outcome{State: StateFailed, Attempts: 0, Err: err}}) {
					return
				}
				continue
			}
			lane := 0
			if ev != nil {
				lane = queue.Partition(ev.PartitionKey(), lanes)
			}
			select {
			case inputs[lane] <- job{line: line, event: ev}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// jsonlEvent is one line of the backfill format.
type jsonlEvent struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	UserID          string            `json:"user_id"`
	AgentID         string            `json:"agent_id"`
	TS              json.RawMessage   `json:"ts"`
	Text            string            `json:"text"`
	SourceMessageID string            `json:"source_message_id"`
	Tags            []string          `json:"tags"`
	ToolOutputs     []json.RawMessage `json:"tool_outputs"`
	PIISuspected    bool              `json:"pii_suspected"`
}

// ReadJSONL decodes one event per non-blank line. ts may be epoch seconds
// (integer or fractional) or an RFC 3339 string; a missing ts means now.
// Tool outputs that are not strings are kept as their JSON text.
func ReadJSONL(r io.Reader) iter.Seq2[*model.MemoryEvent, error] {
	return func(yield func(*model.MemoryEvent, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			raw := strings.TrimSpace(scanner.Text())
			if raw == "" {
				continue
			}
			ev, err := decodeLine(raw)
			if err != nil {
				err = goerr.Wrap(err, "decode backfill line", goerr.V("line", line))
			}
			if !yield(ev, err) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, goerr.Wrap(err, "read backfill input", goerr.V("line", line)))
		}
	}
}

func decodeLine(raw string) (*model.MemoryEvent, error) {
	var in jsonlEvent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, model.Permanent(err, "invalid json")
	}

	ts, err := parseTimestamp(in.TS)
	if err != nil {
		return nil, err
	}

	ev := &model.MemoryEvent{
		ID:              in.ID,
		TenantID:        in.TenantID,
		UserID:          in.UserID,
		AgentID:         in.AgentID,
		Timestamp:       ts,
		RawText:         in.Text,
		SourceMessageID: in.SourceMessageID,
		Tags:            in.Tags,
		PIISuspected:    in.PIISuspected,
	}
	for _, o := range in.ToolOutputs {
		var s string
		if err := json.Unmarshal(o, &s); err == nil {
			ev.ToolOutputs = append(ev.ToolOutputs, s)
			continue
		}
		ev.ToolOutputs = append(ev.ToolOutputs, string(o))
	}
	return ev, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Now().UTC(), nil
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}, model.Permanent(err, "ts is neither a number nor a string")
	}
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return time.Time{}, model.Permanent(err, "ts is not RFC 3339", goerr.V("ts", str))
	}
	return t.UTC(), nil
}
