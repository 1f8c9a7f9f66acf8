package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/agent-brain/core/internal/errs"
	"github.com/agent-brain/core/internal/graph"
)

// EmbeddedBackend composes HNSWStore (vectors), a BM25Index (keyword),
// SQLiteStore (metadata + manifest + embedding state) and GraphStore
// (triplets) into the single Backend protocol, and is the zero-config
// default: no external services, one data directory.
type EmbeddedBackend struct {
	mu sync.RWMutex

	dataDir string
	vectors *HNSWStore
	keyword BM25Index
	meta    *SQLiteStore
	graph   *GraphStore

	bm25Backend string
	initialized bool
	dimensions  int
}

// EmbeddedBackendConfig configures EmbeddedBackend construction.
type EmbeddedBackendConfig struct {
	DataDir     string
	BM25Backend string // "sqlite" (default) or "bleve"
	HNSWConfig  VectorStoreConfig
}

// NewEmbeddedBackend wires the four on-disk stores that make up the
// embedded backend. Initialize must be called afterward once the embedder's
// dimensionality is known.
func NewEmbeddedBackend(cfg EmbeddedBackendConfig) (*EmbeddedBackend, error) {
	metaPath := filepath.Join(cfg.DataDir, "metadata.db")
	meta, err := NewSQLiteStore(metaPath)
	if err != nil {
		return nil, errs.StorageError("embedded", "open metadata store", err)
	}

	basePath := filepath.Join(cfg.DataDir, "bm25")
	keyword, err := NewBM25IndexWithBackend(basePath, DefaultBM25Config(), cfg.BM25Backend)
	if err != nil {
		_ = meta.Close()
		return nil, errs.StorageError("embedded", "open keyword index", err)
	}

	gs := NewGraphStore(filepath.Join(cfg.DataDir, "graph_store.json"))
	if err := gs.Load(); err != nil {
		_ = meta.Close()
		_ = keyword.Close()
		return nil, errs.StorageError("embedded", "load graph store", err)
	}

	return &EmbeddedBackend{
		dataDir:     cfg.DataDir,
		keyword:     keyword,
		meta:        meta,
		graph:       gs,
		bm25Backend: cfg.BM25Backend,
		dimensions:  cfg.HNSWConfig.Dimensions,
	}, nil
}

func (b *EmbeddedBackend) vectorPath() string {
	return filepath.Join(b.dataDir, "vectors.hnsw")
}

// Initialize creates (or opens) the HNSW vector store at the given
// dimensionality. Calling Initialize again with a different dimensionality
// after vectors already exist is caught by ValidateEmbeddingCompatibility,
// not here — Initialize itself is idempotent setup, not a compatibility gate.
func (b *EmbeddedBackend) Initialize(ctx context.Context, dimensions int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.vectors != nil && b.dimensions == dimensions {
		b.initialized = true
		return nil
	}

	vs, err := NewHNSWStore(DefaultVectorStoreConfig(dimensions))
	if err != nil {
		return errs.StorageError("embedded", "create vector store", err)
	}
	if existingDim, err := ReadHNSWStoreDimensions(b.vectorPath()); err == nil && existingDim > 0 {
		if err := vs.Load(b.vectorPath()); err != nil {
			return errs.StorageError("embedded", "load vector store", err)
		}
	}

	b.vectors = vs
	b.dimensions = dimensions
	b.initialized = true
	return nil
}

func (b *EmbeddedBackend) IsInitialized(ctx context.Context) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized, nil
}

// UpsertDocuments writes chunks to metadata, keyword and vector stores.
// embeddings may be nil when the chunk's content type has no embedding
// (never expected in practice, but defensive against partial pipelines).
func (b *EmbeddedBackend) UpsertDocuments(ctx context.Context, chunks []*Chunk, embeddings [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if embeddings != nil && len(embeddings) != len(chunks) {
		return errs.ValidationError(
			fmt.Sprintf("chunk count %d does not match embedding count %d", len(chunks), len(embeddings)), nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.meta.SaveChunks(ctx, chunks); err != nil {
		return errs.StorageError("embedded", "save chunks", err)
	}

	docs := make([]*Document, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = &Document{ID: c.ID, Content: c.Content}
		ids[i] = c.ID
	}
	if err := b.keyword.Index(ctx, docs); err != nil {
		return errs.StorageError("embedded", "index documents", err)
	}

	if embeddings != nil && b.vectors != nil {
		if err := b.vectors.Add(ctx, ids, embeddings); err != nil {
			return errs.StorageError("embedded", "add vectors", err)
		}
	}

	return nil
}

// DeleteByIDs removes chunks by ID across all three stores. An empty id
// list is a strict no-op: every branch below bails out before
// touching its store rather than relying on the underlying store's own
// empty-list handling, so this invariant holds even if a store is swapped.
func (b *EmbeddedBackend) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.meta.DeleteChunks(ctx, ids); err != nil {
		return errs.StorageError("embedded", "delete chunks", err)
	}
	if err := b.keyword.Delete(ctx, ids); err != nil {
		return errs.StorageError("embedded", "delete keyword docs", err)
	}
	if b.vectors != nil {
		if err := b.vectors.Delete(ctx, ids); err != nil {
			return errs.StorageError("embedded", "delete vectors", err)
		}
	}
	if err := b.graph.DeleteByChunkIDs(ctx, ids); err != nil {
		return errs.StorageError("embedded", "delete graph triplets", err)
	}
	return nil
}

// DeleteBySource removes every chunk sourced from path. An empty path is a
// no-op for the same reason as DeleteByIDs: the caller may not yet know
// whether the file produced any chunks.
func (b *EmbeddedBackend) DeleteBySource(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	b.mu.RLock()
	entries, err := b.meta.Manifest(ctx)
	b.mu.RUnlock()
	if err != nil {
		return errs.StorageError("embedded", "read manifest", err)
	}

	var ids []string
	for _, e := range entries {
		if e.Path == path {
			ids = append(ids, e.ChunkIDs...)
			break
		}
	}
	if err := b.DeleteByIDs(ctx, ids); err != nil {
		return err
	}

	b.mu.Lock()
	err = b.meta.DeleteManifestEntry(ctx, path)
	b.mu.Unlock()
	if err != nil {
		return errs.StorageError("embedded", "delete manifest entry", err)
	}
	return nil
}

// filterOverfetch scales how many candidates are pulled from the underlying
// vector/keyword index when a filter is set, so that filtering candidates
// out after the fact still leaves limit results when enough matches exist.
const filterOverfetch = 4

func (b *EmbeddedBackend) VectorSearch(ctx context.Context, query []float32, limit int, filter QueryFilter) ([]SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.vectors == nil {
		return nil, errs.StorageError("embedded", "vector store not initialized", nil)
	}
	searchLimit := limit
	if !filter.IsZero() && searchLimit > 0 {
		searchLimit *= filterOverfetch
	}
	raw, err := b.vectors.Search(ctx, query, searchLimit)
	if err != nil {
		return nil, errs.StorageError("embedded", "vector search", err)
	}

	out := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		chunk, err := b.meta.GetChunk(ctx, r.ID)
		if err != nil || chunk == nil {
			continue
		}
		result := SearchResult{
			ChunkID:    r.ID,
			FilePath:   chunk.FilePath,
			Content:    chunk.Content,
			Score:      float64(r.Score),
			Source:     "vector",
			SourceType: chunk.ContentType,
			Language:   chunk.Language,
		}
		if !filter.Match(result) {
			continue
		}
		out = append(out, result)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *EmbeddedBackend) KeywordSearch(ctx context.Context, query string, limit int, filter QueryFilter) ([]SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	searchLimit := limit
	if !filter.IsZero() && searchLimit > 0 {
		searchLimit *= filterOverfetch
	}
	raw, err := b.keyword.Search(ctx, query, searchLimit)
	if err != nil {
		return nil, errs.StorageError("embedded", "keyword search", err)
	}

	maxScore := 0.0
	for _, r := range raw {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}

	out := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		chunk, err := b.meta.GetChunk(ctx, r.DocID)
		if err != nil || chunk == nil {
			continue
		}
		normalized := 0.0
		if maxScore > 0 {
			normalized = r.Score / maxScore
		}
		result := SearchResult{
			ChunkID:    r.DocID,
			FilePath:   chunk.FilePath,
			Content:    chunk.Content,
			Score:      normalized,
			Source:     "keyword",
			SourceType: chunk.ContentType,
			Language:   chunk.Language,
		}
		if !filter.Match(result) {
			continue
		}
		out = append(out, result)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *EmbeddedBackend) GetByID(ctx context.Context, id string) (*Chunk, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, err := b.meta.GetChunk(ctx, id)
	if err != nil {
		return nil, errs.StorageError("embedded", "get chunk", err)
	}
	return c, nil
}

func (b *EmbeddedBackend) GetCount(ctx context.Context, filter QueryFilter) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if filter.SourceType == "" && filter.Language == "" && filter.PathGlob == "" {
		if b.vectors == nil {
			return 0, nil
		}
		return b.vectors.Count(), nil
	}
	count, err := b.meta.CountChunksFiltered(ctx, string(filter.SourceType), filter.Language, filter.PathGlob)
	if err != nil {
		return 0, errs.StorageError("embedded", "count chunks filtered", err)
	}
	return count, nil
}

func (b *EmbeddedBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	model, err := b.meta.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, errs.StorageError("embedded", "read embedding metadata", err)
	}
	if model == "" {
		return nil, nil
	}
	dimStr, _ := b.meta.GetState(ctx, StateKeyIndexDimension)
	dim, _ := strconv.Atoi(dimStr)
	updatedStr, _ := b.meta.GetState(ctx, StateKeyIndexUpdatedAt)
	updated, _ := time.Parse(time.RFC3339, updatedStr)

	return &EmbeddingMetadata{Model: model, Dimensions: dim, UpdatedAt: updated}, nil
}

func (b *EmbeddedBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.meta.SetState(ctx, StateKeyIndexModel, meta.Model); err != nil {
		return errs.StorageError("embedded", "write embedding model", err)
	}
	if err := b.meta.SetState(ctx, StateKeyIndexDimension, strconv.Itoa(meta.Dimensions)); err != nil {
		return errs.StorageError("embedded", "write embedding dimension", err)
	}
	updatedAt := meta.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if err := b.meta.SetState(ctx, StateKeyIndexUpdatedAt, updatedAt.Format(time.RFC3339)); err != nil {
		return errs.StorageError("embedded", "write embedding timestamp", err)
	}
	return nil
}

// ValidateEmbeddingCompatibility fails fast with a ProviderMismatchError if
// the currently configured embedder differs from the one that built the
// existing index, protecting against silently comparing vectors from two
// different embedding spaces.
func (b *EmbeddedBackend) ValidateEmbeddingCompatibility(ctx context.Context, model string, dimensions int) error {
	existing, err := b.GetEmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		// Fresh index: nothing to compare against yet.
		return nil
	}
	if existing.Model != model || existing.Dimensions != dimensions {
		return errs.ProviderMismatchError(existing.Model, existing.Dimensions, model, dimensions)
	}
	return nil
}

func (b *EmbeddedBackend) Manifest(ctx context.Context) ([]FileManifestEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, err := b.meta.Manifest(ctx)
	if err != nil {
		return nil, errs.StorageError("embedded", "read manifest", err)
	}
	return entries, nil
}

func (b *EmbeddedBackend) SaveManifestEntry(ctx context.Context, entry FileManifestEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.meta.SaveManifestEntry(ctx, entry); err != nil {
		return errs.StorageError("embedded", "save manifest entry", err)
	}
	return nil
}

func (b *EmbeddedBackend) GraphPutTriplets(ctx context.Context, triplets []graph.Triplet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.graph.PutTriplets(ctx, triplets); err != nil {
		return errs.StorageError("embedded", "put triplets", err)
	}
	return nil
}

func (b *EmbeddedBackend) GraphNeighbors(ctx context.Context, entity string, depth int) ([]GraphNeighbor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	neighbors, err := b.graph.Neighbors(ctx, entity, depth)
	if err != nil {
		return nil, errs.StorageError("embedded", "graph neighbors", err)
	}
	return neighbors, nil
}

func (b *EmbeddedBackend) GraphEntities(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.graph.Entities(), nil
}

// Reset wipes every store's contents, used by --force-reset reindexing
// after a provider mismatch.
func (b *EmbeddedBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.vectors != nil {
		if ids := b.vectors.AllIDs(); len(ids) > 0 {
			if err := b.vectors.Delete(ctx, ids); err != nil {
				return errs.StorageError("embedded", "reset vectors", err)
			}
		}
	}
	if ids, err := b.keyword.AllIDs(); err == nil && len(ids) > 0 {
		if err := b.keyword.Delete(ctx, ids); err != nil {
			return errs.StorageError("embedded", "reset keyword index", err)
		}
	}
	if err := b.graph.DeleteByChunkIDs(ctx, b.graph.AllSourceChunkIDs()); err != nil {
		return errs.StorageError("embedded", "reset graph store", err)
	}
	return nil
}

// Close persists the vector store and graph store, then releases every
// underlying handle.
func (b *EmbeddedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	if b.vectors != nil {
		if err := b.vectors.Save(b.vectorPath()); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.vectors.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.keyword.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ Backend = (*EmbeddedBackend)(nil)
