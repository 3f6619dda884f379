package progress

import (
	"context"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	sfuzzy "github.com/sahilm/fuzzy"

	"github.com/mmcdole/kinoedge/internal/domain"
)

// maxTypoDistance bounds the Levenshtein fallback when nothing matches as a subsequence
const maxTypoDistance = 3

// Match is a search hit with match metadata for highlighting
type Match struct {
	Item           domain.WatchProgress `json:"item"`
	MatchedIndexes []int                `json:"matchedIndexes,omitempty"` // Character positions that matched
	Score          int                  `json:"score"`                    // Higher is better
}

// titleIndex implements sahilm/fuzzy.Source over lowercase titles
type titleIndex struct {
	items       []domain.WatchProgress
	lowerTitles []string
}

func newTitleIndex(items []domain.WatchProgress) *titleIndex {
	idx := &titleIndex{items: items, lowerTitles: make([]string, len(items))}
	for i, item := range items {
		idx.lowerTitles[i] = strings.ToLower(item.Title)
	}
	return idx
}

func (idx *titleIndex) String(i int) string { return idx.lowerTitles[i] }

func (idx *titleIndex) Len() int { return len(idx.items) }

// Search fuzzy-matches query against the titles in the history.
// An empty query returns the whole history in stored order.
func (s *Store) Search(ctx context.Context, query string) []Match {
	items := s.ReadAll(ctx)

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		matches := make([]Match, len(items))
		for i, item := range items {
			matches[i] = Match{Item: item}
		}
		return matches
	}

	idx := newTitleIndex(items)
	found := sfuzzy.FindFrom(query, idx)
	if len(found) > 0 {
		matches := make([]Match, len(found))
		for i, m := range found {
			matches[i] = Match{Item: idx.items[m.Index], MatchedIndexes: m.MatchedIndexes, Score: m.Score}
		}
		return matches
	}

	return typoMatches(query, idx)
}

// typoMatches ranks titles by edit distance when the query is not a subsequence
// of any title ("stranegr" still finds "Stranger Things").
func typoMatches(query string, idx *titleIndex) []Match {
	type ranked struct {
		i        int
		distance int
	}

	var hits []ranked
	for i, title := range idx.lowerTitles {
		best := fuzzy.LevenshteinDistance(query, title)
		for _, word := range strings.Fields(title) {
			if d := fuzzy.LevenshteinDistance(query, word); d < best {
				best = d
			}
		}
		if best <= maxTypoDistance {
			hits = append(hits, ranked{i: i, distance: best})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].distance < hits[b].distance
	})

	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = Match{Item: idx.items[h.i], Score: -h.distance}
	}
	return matches
}
