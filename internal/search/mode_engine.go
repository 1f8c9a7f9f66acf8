// Package search dispatches a query to one of five retrieval modes
// (keyword, vector, hybrid, graph, multi) against a store.Backend, fusing
// multi-retriever results with relative-score fusion or reciprocal rank
// fusion as appropriate.
package search

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/agent-brain/core/internal/embed"
	"github.com/agent-brain/core/internal/errs"
	"github.com/agent-brain/core/internal/store"
	"github.com/agent-brain/core/internal/telemetry"
)

// RetrievalMode selects which signal(s) a query is served from.
type RetrievalMode string

const (
	ModeKeyword RetrievalMode = "keyword"
	ModeVector  RetrievalMode = "vector"
	ModeHybrid  RetrievalMode = "hybrid"
	ModeGraph   RetrievalMode = "graph"
	ModeMulti   RetrievalMode = "multi"
)

const (
	// DefaultHybridAlpha weights vector vs keyword in RSF fusion.
	DefaultHybridAlpha = 0.5

	// DefaultGraphDepth and MaxGraphDepth bound graph-mode traversal.
	DefaultGraphDepth = 2
	MaxGraphDepth     = 4
)

// ModeEngine dispatches a query to one of the five retrieval modes against a
// Backend, fusing multi-retriever results, and records query telemetry when
// a collector is attached.
type ModeEngine struct {
	backend     store.Backend
	embedder    embed.Embedder
	hybridAlpha float64
	graphDepth  int
	metrics     *telemetry.QueryMetrics
}

// NewModeEngine creates a mode-dispatching retrieval engine over backend.
func NewModeEngine(backend store.Backend, embedder embed.Embedder) *ModeEngine {
	return &ModeEngine{
		backend:     backend,
		embedder:    embedder,
		hybridAlpha: DefaultHybridAlpha,
		graphDepth:  DefaultGraphDepth,
	}
}

// WithMetrics attaches a query telemetry collector. Search records one event
// per call when set; nil is a valid no-op default.
func (m *ModeEngine) WithMetrics(metrics *telemetry.QueryMetrics) *ModeEngine {
	m.metrics = metrics
	return m
}

// WithHybridAlpha overrides the hybrid-mode vector/keyword weight.
func (m *ModeEngine) WithHybridAlpha(alpha float64) *ModeEngine {
	if alpha >= 0 && alpha <= 1 {
		m.hybridAlpha = alpha
	}
	return m
}

// WithGraphDepth overrides the graph traversal depth, clamped to
// [1, MaxGraphDepth].
func (m *ModeEngine) WithGraphDepth(depth int) *ModeEngine {
	if depth < 1 {
		depth = 1
	}
	if depth > MaxGraphDepth {
		depth = MaxGraphDepth
	}
	m.graphDepth = depth
	return m
}

// Search executes query against backend using mode, returning results
// normalized to the canonical SearchResult shape. filter narrows results to
// those matching its constraints (min_score, source_type, language, path
// glob); the zero value matches everything.
func (m *ModeEngine) Search(ctx context.Context, query string, mode RetrievalMode, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	start := time.Now()
	results, err := m.dispatch(ctx, query, mode, limit, filter)
	if err == nil {
		m.recordMetrics(query, mode, len(results), time.Since(start))
	}
	return results, err
}

func (m *ModeEngine) dispatch(ctx context.Context, query string, mode RetrievalMode, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	switch mode {
	case ModeKeyword:
		return m.backend.KeywordSearch(ctx, query, limit, filter)

	case ModeVector:
		return m.vectorSearch(ctx, query, limit, filter)

	case ModeHybrid:
		return m.hybridSearch(ctx, query, limit, filter)

	case ModeGraph:
		return m.graphSearch(ctx, query, limit, filter)

	case ModeMulti:
		return m.multiSearch(ctx, query, limit, filter)

	default:
		return nil, errs.ValidationError("unknown retrieval mode: "+string(mode), nil)
	}
}

// recordMetrics records query telemetry if a collector is configured. Mode
// maps onto telemetry.QueryType along its lexical/semantic axis: keyword is
// pure lexical, vector is pure semantic, everything else blends signals.
func (m *ModeEngine) recordMetrics(query string, mode RetrievalMode, resultCount int, latency time.Duration) {
	if m.metrics == nil {
		return
	}
	queryType := telemetry.QueryTypeMixed
	switch mode {
	case ModeKeyword:
		queryType = telemetry.QueryTypeLexical
	case ModeVector:
		queryType = telemetry.QueryTypeSemantic
	}
	m.metrics.Record(telemetry.QueryEvent{
		Query:       query,
		QueryType:   queryType,
		ResultCount: resultCount,
		Latency:     latency,
		Timestamp:   time.Now(),
	})
}

func (m *ModeEngine) vectorSearch(ctx context.Context, query string, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	if m.embedder == nil {
		return nil, errs.ValidationError("vector mode requires an embedder", nil)
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errs.ProviderError("embedder", "embed query", err)
	}
	return m.backend.VectorSearch(ctx, vec, limit, filter)
}

// hybridSearch implements relative-score fusion over two retrievers:
// final = α·norm_vector + (1−α)·norm_keyword.
func (m *ModeEngine) hybridSearch(ctx context.Context, query string, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	vecResults, kwResults, err := m.parallelRetrieve(ctx, query, limit, filter)
	if err != nil {
		return nil, err
	}
	return RSFFuse(vecResults, kwResults, m.hybridAlpha, limit), nil
}

func (m *ModeEngine) parallelRetrieve(ctx context.Context, query string, limit int, filter store.QueryFilter) ([]store.SearchResult, []store.SearchResult, error) {
	var vecResults, kwResults []store.SearchResult
	var vecErr, kwErr error

	done := make(chan struct{}, 2)
	go func() {
		vecResults, vecErr = m.vectorSearch(ctx, query, limit, filter)
		done <- struct{}{}
	}()
	go func() {
		kwResults, kwErr = m.backend.KeywordSearch(ctx, query, limit, filter)
		done <- struct{}{}
	}()
	<-done
	<-done

	if vecErr != nil && kwErr != nil {
		return nil, nil, vecErr
	}
	if vecErr != nil {
		log.Printf("hybrid search: vector retrieval failed, degrading to keyword only: %v", vecErr)
	}
	if kwErr != nil {
		log.Printf("hybrid search: keyword retrieval failed, degrading to vector only: %v", kwErr)
	}
	return vecResults, kwResults, nil
}

// graphSearch extracts candidate entity tokens from the query, traverses the
// graph from each match, and ranks chunks by inverse traversal distance,
// breaking ties by entity frequency. Graph capability
// unavailability is a hard error here — unlike multi mode, graph-only
// queries have nothing to degrade to.
func (m *ModeEngine) graphSearch(ctx context.Context, query string, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	entities, err := m.backend.GraphEntities(ctx)
	if err != nil {
		return nil, err
	}

	matches := matchEntities(query, entities)
	if len(matches) == 0 {
		return []store.SearchResult{}, nil
	}

	type hit struct {
		score float64
		freq  int
	}
	best := make(map[string]hit)

	for _, entity := range matches {
		neighbors, err := m.backend.GraphNeighbors(ctx, entity, m.graphDepth)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			cur := best[n.ChunkID]
			cur.freq++
			if n.Score > cur.score {
				cur.score = n.Score
			}
			best[n.ChunkID] = cur
		}
	}

	results := make([]store.SearchResult, 0, len(best))
	for chunkID, h := range best {
		results = append(results, store.SearchResult{
			ChunkID: chunkID,
			Score:   h.score,
			Source:  "graph",
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return best[results[i].ChunkID].freq > best[results[j].ChunkID].freq
	})
	results, err = m.hydrate(ctx, results)
	if err != nil {
		return nil, err
	}
	results = filterResults(results, filter)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// hydrate fills in Content/FilePath/SourceType/Language for results that
// only carry a chunk ID (graph mode has no text of its own — it only
// resolves chunk membership).
func (m *ModeEngine) hydrate(ctx context.Context, results []store.SearchResult) ([]store.SearchResult, error) {
	for i := range results {
		chunk, err := m.backend.GetByID(ctx, results[i].ChunkID)
		if err != nil || chunk == nil {
			continue
		}
		if results[i].Content == "" {
			results[i].Content = chunk.Content
			results[i].FilePath = chunk.FilePath
		}
		results[i].SourceType = chunk.ContentType
		results[i].Language = chunk.Language
	}
	return results, nil
}

// filterResults applies filter to a result set already fetched without
// backend-level filtering — used by graph mode, since graph traversal has
// no query-filter parameter of its own to push down.
func filterResults(results []store.SearchResult, filter store.QueryFilter) []store.SearchResult {
	if filter.IsZero() {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// matchEntities does a simple case-insensitive token match between the
// query and known entity names.
func matchEntities(query string, entities []string) []string {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '.' || r == '-')
	}) {
		tokens[tok] = true
	}

	var matches []string
	for _, e := range entities {
		if tokens[strings.ToLower(e)] {
			matches = append(matches, e)
		}
	}
	return matches
}

// multiSearch implements three-way Reciprocal Rank Fusion over vector,
// keyword, and graph rankings. Graph unavailability degrades to the same
// RSF-weighted hybrid result mode=hybrid would produce for this query,
// logged rather than returned as an error.
func (m *ModeEngine) multiSearch(ctx context.Context, query string, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	vecResults, kwResults, err := m.parallelRetrieve(ctx, query, limit, filter)
	if err != nil {
		return nil, err
	}

	graphResults, err := m.graphSearch(ctx, query, limit, filter)
	if err != nil {
		var be *errs.BrainError
		if errors.As(err, &be) && be.Code == errs.ErrCodeBackendUnsupported {
			log.Printf("multi search: graph capability unavailable, degrading to hybrid: %v", err)
			return RSFFuse(vecResults, kwResults, m.hybridAlpha, limit), nil
		}
		return nil, err
	}

	return ThreeWayRRF(vecResults, kwResults, graphResults, DefaultRRFConstant, limit), nil
}
