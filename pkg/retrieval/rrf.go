package retrieval

import (
	"sort"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
)

// DefaultRRFK is the rank damping constant of reciprocal rank fusion.
const DefaultRRFK = 60

type fused struct {
	doc      *model.MemoryDocument
	score    float64
	lexScore float64
	ranks    model.RankSources
}

// Fuse merges two ranked lists with reciprocal rank fusion:
// score(d) = sum over lists of 1/(rrfK + rank), ranks starting at 1.
//
// Equal scores are ordered by higher raw lexical score, then newer
// timestamp, then document id, so the output is deterministic.
func Fuse(lexical, vector []*storage.ScoredDocument, rrfK int) []model.MemoryHit {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}

	byID := make(map[string]*fused, len(lexical)+len(vector))
	order := make([]*fused, 0, len(lexical)+len(vector))
	get := func(doc *model.MemoryDocument) *fused {
		f, ok := byID[doc.ID]
		if !ok {
			f = &fused{doc: doc}
			byID[doc.ID] = f
			order = append(order, f)
		}
		return f
	}

	for i, sd := range lexical {
		if sd == nil || sd.Document == nil {
			continue
		}
		f := get(sd.Document)
		if f.ranks.LexicalRank != 0 {
			continue
		}
		rank := i + 1
		f.ranks.LexicalRank = rank
		f.lexScore = sd.Score
		f.score += 1.0 / float64(rrfK+rank)
	}
	for i, sd := range vector {
		if sd == nil || sd.Document == nil {
			continue
		}
		f := get(sd.Document)
		if f.ranks.VectorRank != 0 {
			continue
		}
		rank := i + 1
		f.ranks.VectorRank = rank
		f.score += 1.0 / float64(rrfK+rank)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.lexScore != b.lexScore {
			return a.lexScore > b.lexScore
		}
		if !a.doc.Timestamp.Equal(b.doc.Timestamp) {
			return a.doc.Timestamp.After(b.doc.Timestamp)
		}
		return a.doc.ID < b.doc.ID
	})

	hits := make([]model.MemoryHit, len(order))
	for i, f := range order {
		hits[i] = model.MemoryHit{
			DocumentID:  f.doc.ID,
			Text:        f.doc.Text,
			Score:       f.score,
			RankSources: f.ranks,
			Timestamp:   f.doc.Timestamp,
			Metadata:    f.doc.Metadata,
		}
	}
	return hits
}
