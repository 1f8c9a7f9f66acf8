package store

import (
	"context"
	"path"
	"time"

	"github.com/agent-brain/core/internal/graph"
)

// SearchResult is the canonical result row returned by every Backend search
// method, normalized to a [0,1] Score where higher is always better
// regardless of whether the underlying signal was a BM25 score or a vector
// distance.
type SearchResult struct {
	ChunkID    string
	FilePath   string
	Content    string
	Score      float64
	Source     string      // "keyword", "vector", "graph" — which signal produced this row
	SourceType ContentType // doc, code, test — the chunk's retrieval-facing source_type
	Language   string
}

// QueryFilter narrows a search or count to rows matching every non-zero
// field. The zero value matches everything, so passing QueryFilter{} is a
// no-op — existing callers keep their current behavior.
type QueryFilter struct {
	// MinScore excludes results scoring below this threshold. 0 means no
	// threshold, since normalized scores never fall below 0.
	MinScore float64
	// SourceType restricts results to one source_type (doc/code/test).
	SourceType ContentType
	// Language restricts results to one detected language, exact match.
	Language string
	// PathGlob restricts results to file paths matching a shell glob
	// (path.Match syntax: *, ?, [...]).
	PathGlob string
}

// IsZero reports whether the filter matches everything (no constraints set).
func (f QueryFilter) IsZero() bool {
	return f.MinScore == 0 && f.SourceType == "" && f.Language == "" && f.PathGlob == ""
}

// Match reports whether a result satisfies every constraint the filter sets.
func (f QueryFilter) Match(r SearchResult) bool {
	if f.MinScore > 0 && r.Score < f.MinScore {
		return false
	}
	if f.SourceType != "" && r.SourceType != f.SourceType {
		return false
	}
	if f.Language != "" && r.Language != f.Language {
		return false
	}
	if f.PathGlob != "" {
		ok, err := path.Match(f.PathGlob, r.FilePath)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// EmbeddingMetadata records which embedder produced the vectors currently
// stored in the index, so a later query can detect provider drift before it
// silently returns garbage similarity scores.
type EmbeddingMetadata struct {
	Model      string
	Dimensions int
	UpdatedAt  time.Time
}

// FileManifestEntry is a single file's record in the index's file manifest,
// used by the indexing pipeline's prune-and-upsert pass to find chunk IDs
// that are stale because their source file changed or disappeared.
type FileManifestEntry struct {
	Path        string
	ContentHash string
	ChunkIDs    []string
	IndexedAt   time.Time
}

// Backend is the storage protocol every retrieval mode and the indexing
// pipeline is written against. Two implementations exist: EmbeddedBackend
// (hnsw+bleve/fts5+sqlite+json graph, zero external services) and
// PostgresBackend (pgx+pgvector, graph operations unsupported).
//
// DeleteByIDs and DeleteBySource MUST treat an empty id/source list as a
// strict no-op — never "delete everything" — since callers may compute an
// empty stale-chunk set on an unmodified file and still call delete
// unconditionally.
type Backend interface {
	Initialize(ctx context.Context, dimensions int) error
	IsInitialized(ctx context.Context) (bool, error)

	UpsertDocuments(ctx context.Context, chunks []*Chunk, embeddings [][]float32) error
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteBySource(ctx context.Context, path string) error

	// VectorSearch and KeywordSearch apply filter in addition to limit;
	// filter.IsZero() behaves exactly as an unfiltered search.
	VectorSearch(ctx context.Context, query []float32, limit int, filter QueryFilter) ([]SearchResult, error)
	KeywordSearch(ctx context.Context, query string, limit int, filter QueryFilter) ([]SearchResult, error)

	GetByID(ctx context.Context, id string) (*Chunk, error)
	// GetCount reports how many chunks match filter (filter.MinScore is
	// ignored, since a count has no associated query score).
	GetCount(ctx context.Context, filter QueryFilter) (int, error)

	GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error)
	SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error
	ValidateEmbeddingCompatibility(ctx context.Context, model string, dimensions int) error

	Manifest(ctx context.Context) ([]FileManifestEntry, error)
	SaveManifestEntry(ctx context.Context, entry FileManifestEntry) error

	// GraphPutTriplets and GraphNeighbors implement graph-mode retrieval.
	// Backends that can't support a property graph (e.g. PostgresBackend)
	// return a BackendUnsupportedError naming "embedded" as the capable
	// backend, rather than silently no-op'ing.
	GraphPutTriplets(ctx context.Context, triplets []graph.Triplet) error
	GraphNeighbors(ctx context.Context, entity string, depth int) ([]GraphNeighbor, error)
	// GraphEntities lists every known entity name, used by graph-mode
	// retrieval to token-match a query against the graph.
	GraphEntities(ctx context.Context) ([]string, error)

	Reset(ctx context.Context) error
	Close() error
}
