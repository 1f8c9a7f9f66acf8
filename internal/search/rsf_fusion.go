package search

import (
	"sort"

	"github.com/agent-brain/core/internal/store"
)

// RSFFuse implements relative-score fusion over two already-normalized
// retriever result lists: final = α·norm_vector + (1−α)·norm_keyword,
// missing contributions treated as 0. Ties break by chunk ID ascending
// for determinism.
func RSFFuse(vec, kw []store.SearchResult, alpha float64, limit int) []store.SearchResult {
	scores := make(map[string]*store.SearchResult)

	for _, r := range vec {
		rr := r
		rr.Score = alpha * r.Score
		rr.Source = "hybrid"
		scores[r.ChunkID] = &rr
	}
	for _, r := range kw {
		if existing, ok := scores[r.ChunkID]; ok {
			existing.Score += (1 - alpha) * r.Score
			if existing.Content == "" {
				existing.Content = r.Content
				existing.FilePath = r.FilePath
			}
		} else {
			rr := r
			rr.Score = (1 - alpha) * r.Score
			rr.Source = "hybrid"
			scores[r.ChunkID] = &rr
		}
	}

	results := make([]store.SearchResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// ThreeWayRRF implements Reciprocal Rank Fusion over vector, keyword, and
// graph rankings: RRF(d) = Σᵢ 1/(k + rankᵢ(d)), absent rankings contribute 0.
// Ties break by chunk ID ascending.
func ThreeWayRRF(vec, kw, graph []store.SearchResult, k int, limit int) []store.SearchResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[string]*store.SearchResult)
	contribute := func(list []store.SearchResult, source string) {
		for rank, r := range list {
			rr, ok := scores[r.ChunkID]
			if !ok {
				cp := r
				cp.Score = 0
				cp.Source = "multi"
				rr = &cp
				scores[r.ChunkID] = rr
			}
			if rr.Content == "" {
				rr.Content = r.Content
				rr.FilePath = r.FilePath
			}
			rr.Score += 1.0 / float64(k+rank+1)
			_ = source
		}
	}

	contribute(vec, "vector")
	contribute(kw, "keyword")
	contribute(graph, "graph")

	results := make([]store.SearchResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > 0 {
		max := results[0].Score
		if max > 0 {
			for i := range results {
				results[i].Score /= max
			}
		}
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
