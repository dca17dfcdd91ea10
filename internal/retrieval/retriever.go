package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/sqlagent/internal/domain"
)

// Limits caps how many entries of each kind a retrieval returns.
type Limits struct {
	SQLPairs     int
	Metadata     int
	DatabaseInfo int
}

// DefaultLimits matches the service defaults.
var DefaultLimits = Limits{SQLPairs: 5, Metadata: 5, DatabaseInfo: 10}

// Retriever ranks catalog entries by term overlap with the question.
type Retriever struct {
	catalog *Catalog
	limits  Limits
}

// NewRetriever creates a retriever over catalog. Zero limits use defaults.
func NewRetriever(catalog *Catalog, limits Limits) *Retriever {
	if limits.SQLPairs <= 0 {
		limits.SQLPairs = DefaultLimits.SQLPairs
	}
	if limits.Metadata <= 0 {
		limits.Metadata = DefaultLimits.Metadata
	}
	if limits.DatabaseInfo <= 0 {
		limits.DatabaseInfo = DefaultLimits.DatabaseInfo
	}
	return &Retriever{catalog: catalog, limits: limits}
}

// Retrieve searches the three kinds of reference material concurrently.
// SQL pairs and metadata are returned only when they share terms with the
// question; schema documents fill up to the limit so the generator always
// sees some tables.
func (r *Retriever) Retrieve(ctx context.Context, question string) (domain.RetrievedContext, error) {
	pairs, metadata, tables := r.catalog.snapshot()
	q := terms(question)

	var out domain.RetrievedContext
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ranked := rank(len(pairs), func(i int) float64 {
			return score(q, pairs[i].Question, pairs[i].SQL, pairs[i].Explanation)
		}, r.limits.SQLPairs, false)
		for _, h := range ranked {
			p := pairs[h.index]
			p.Score = h.score
			out.SQLPairs = append(out.SQLPairs, p)
		}
		return ctx.Err()
	})
	g.Go(func() error {
		ranked := rank(len(metadata), func(i int) float64 {
			return score(q, metadata[i].Title, metadata[i].Content)
		}, r.limits.Metadata, false)
		for _, h := range ranked {
			m := metadata[h.index]
			m.Score = h.score
			out.Metadata = append(out.Metadata, m)
		}
		return ctx.Err()
	})
	g.Go(func() error {
		ranked := rank(len(tables), func(i int) float64 {
			return score(q, tables[i].Name, tables[i].Description, strings.Join(tables[i].Columns, " "))
		}, r.limits.DatabaseInfo, true)
		for _, h := range ranked {
			t := tables[h.index]
			t.Score = h.score
			out.DatabaseInfo = append(out.DatabaseInfo, t)
		}
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return domain.RetrievedContext{}, err
	}
	return out, nil
}

type hit struct {
	index int
	score float64
}

func rank(n int, scoreOf func(int) float64, limit int, keepZero bool) []hit {
	hits := make([]hit, 0, n)
	for i := 0; i < n; i++ {
		s := scoreOf(i)
		if s <= 0 && !keepZero {
			continue
		}
		hits = append(hits, hit{index: i, score: s})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// score is the share of question terms found in the document, damped by
// document length so short focused entries outrank long ones.
func score(q map[string]struct{}, fields ...string) float64 {
	if len(q) == 0 {
		return 0
	}
	doc := terms(fields...)
	if len(doc) == 0 {
		return 0
	}
	matched := 0
	for t := range q {
		if _, ok := doc[t]; ok {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(q)) / math.Log2(float64(len(doc))+2)
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "by": {}, "do": {},
	"for": {}, "from": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "me": {},
	"many": {}, "of": {}, "on": {}, "or": {}, "show": {}, "the": {}, "to": {}, "what": {},
	"which": {}, "who": {}, "with": {}, "all": {}, "list": {}, "give": {}, "get": {},
}

// terms splits text into lower-cased, de-pluralised words. Underscored
// identifiers also contribute their parts.
func terms(texts ...string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, text := range texts {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		})
		for _, w := range words {
			add(out, w)
			if strings.Contains(w, "_") {
				for _, part := range strings.Split(w, "_") {
					add(out, part)
				}
			}
		}
	}
	return out
}

func add(set map[string]struct{}, w string) {
	if len(w) < 2 {
		return
	}
	if _, stop := stopwords[w]; stop {
		return
	}
	set[stem(w)] = struct{}{}
}

func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}
