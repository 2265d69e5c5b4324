package storage

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "do": true, "for": true, "from": true, "i": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "what": true,
	"with": true, "you": true,
}

// Tokenize lower-cases text and splits it into letter/digit runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// QueryTerms returns the distinct non-stopword tokens of a query, in order.
func QueryTerms(text string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, tok := range Tokenize(text) {
		if stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	return terms
}

// ScoreBM25 ranks docs against terms with Okapi BM25 and drops documents
// that contain none of them. totalDocs is the size of the scoped corpus;
// when smaller than len(docs) the candidate count is used.
func ScoreBM25(terms []string, docs []*model.MemoryDocument, totalDocs int) []*ScoredDocument {
	if len(terms) == 0 || len(docs) == 0 {
		return nil
	}
	if totalDocs < len(docs) {
		totalDocs = len(docs)
	}

	tfs := make([]map[string]int, len(docs))
	lengths := make([]int, len(docs))
	df := make(map[string]int, len(terms))
	var totalLen int

	for i, d := range docs {
		toks := Tokenize(d.Text)
		lengths[i] = len(toks)
		totalLen += len(toks)
		tf := make(map[string]int)
		for _, tok := range toks {
			tf[tok]++
		}
		tfs[i] = tf
		for _, term := range terms {
			if tf[term] > 0 {
				df[term]++
			}
		}
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		avgLen = 1
	}

	var out []*ScoredDocument
	for i, d := range docs {
		var score float64
		for _, term := range terms {
			f := float64(tfs[i][term])
			if f == 0 {
				continue
			}
			n := float64(df[term])
			idf := math.Log(1 + (float64(totalDocs)-n+0.5)/(n+0.5))
			norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(lengths[i])/avgLen))
			score += idf * norm
		}
		if score > 0 {
			out = append(out, &ScoredDocument{Document: d, Score: score})
		}
	}

	SortScored(out)
	return out
}

// RankByCosine scores docs against vector and sorts them best first.
func RankByCosine(vector []float64, docs []*model.MemoryDocument) []*ScoredDocument {
	out := make([]*ScoredDocument, 0, len(docs))
	for _, d := range docs {
		out = append(out, &ScoredDocument{Document: d, Score: Cosine(vector, d.Vector)})
	}
	SortScored(out)
	return out
}

// SortScored orders by score descending, then newer timestamp, then id.
func SortScored(docs []*ScoredDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Document.Timestamp.Equal(b.Document.Timestamp) {
			return a.Document.Timestamp.After(b.Document.Timestamp)
		}
		return a.Document.ID < b.Document.ID
	})
}

// Truncate caps docs at limit. A non-positive limit keeps everything.
func Truncate(docs []*ScoredDocument, limit int) []*ScoredDocument {
	if limit > 0 && len(docs) > limit {
		return docs[:limit]
	}
	return docs
}

// Cosine returns the cosine similarity of a and b, or 0 when undefined.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
