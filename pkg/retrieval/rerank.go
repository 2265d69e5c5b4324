package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oceanbase/powermem-hotcold/pkg/llm"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

// Reranker reorders the head of a fused result list.
//
// Implementations may return a subset of hits but must not modify the
// slice they are given. The engine appends any candidate they leave out in
// fused order.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []model.MemoryHit) ([]model.MemoryHit, error)
}

// LexicalOverlapReranker orders hits by the fraction of query terms they
// contain. It makes no external calls.
type LexicalOverlapReranker struct{}

// Rerank implements Reranker. Hits with equal overlap keep their order.
func (LexicalOverlapReranker) Rerank(_ context.Context, query string, hits []model.MemoryHit) ([]model.MemoryHit, error) {
	terms := storage.QueryTerms(query)
	if len(terms) == 0 {
		return hits, nil
	}

	overlap := make(map[string]float64, len(hits))
	for _, h := range hits {
		toks := make(map[string]bool)
		for _, t := range storage.Tokenize(h.Text) {
			toks[t] = true
		}
		var n int
		for _, t := range terms {
			if toks[t] {
				n++
			}
		}
		overlap[h.DocumentID] = float64(n) / float64(len(terms))
	}

	out := make([]model.MemoryHit, len(hits))
	copy(out, hits)
	sort.SliceStable(out, func(i, j int) bool {
		return overlap[out[i].DocumentID] > overlap[out[j].DocumentID]
	})
	return out, nil
}

const rerankSystemPrompt = `You rank stored memories by how useful they are for answering a user's message.
Respond with JSON only: {"order": [<candidate numbers, most relevant first>]}.
Omit candidates that are irrelevant.`

// LLMReranker asks a chat model for an ordering of the candidates.
type LLMReranker struct {
	llm llm.Provider
}

// NewLLMReranker creates a reranker backed by provider.
func NewLLMReranker(provider llm.Provider) *LLMReranker {
	return &LLMReranker{llm: provider}
}

// Rerank implements Reranker.
func (r *LLMReranker) Rerank(ctx context.Context, query string, hits []model.MemoryHit) ([]model.MemoryHit, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message: %s\n\nCandidates:\n", query)
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s\n", i+1, h.Text)
	}

	response, err := r.llm.GenerateWithMessages(ctx, []llm.Message{
		{Role: "system", Content: rerankSystemPrompt},
		{Role: "user", Content: b.String()},
	}, llm.WithTemperature(0), llm.WithMaxTokens(256), llm.WithJSONMode())
	if err != nil {
		return nil, goerr.Wrap(err, "llm rerank failed")
	}

	order, err := parseOrder(response)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(order))
	out := make([]model.MemoryHit, 0, len(order))
	for _, n := range order {
		idx := n - 1
		if idx < 0 || idx >= len(hits) || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, hits[idx])
	}
	return out, nil
}

func parseOrder(response string) ([]int, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, goerr.New("rerank response has no JSON object", goerr.V("response", response))
	}
	var out struct {
		Order []int `json:"order"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &out); err != nil {
		return nil, goerr.Wrap(err, "parse rerank response", goerr.V("response", response))
	}
	return out.Order, nil
}

// applyRerank puts the reranked head first, then head candidates the
// reranker left out, then the untouched tail.
func applyRerank(head, reranked, tail []model.MemoryHit) []model.MemoryHit {
	out := make([]model.MemoryHit, 0, len(head)+len(tail))
	placed := make(map[string]bool, len(head))
	inHead := make(map[string]bool, len(head))
	for _, h := range head {
		inHead[h.DocumentID] = true
	}
	for _, h := range reranked {
		if !inHead[h.DocumentID] || placed[h.DocumentID] {
			continue
		}
		placed[h.DocumentID] = true
		out = append(out, h)
	}
	for _, h := range head {
		if !placed[h.DocumentID] {
			out = append(out, h)
		}
	}
	return append(out, tail...)
}
