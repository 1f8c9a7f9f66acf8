package search

import (
	"context"
	"testing"

	"github.com/agent-brain/core/internal/errs"
	"github.com/agent-brain/core/internal/graph"
	"github.com/agent-brain/core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory store.Backend for mode-dispatch tests.
type fakeBackend struct {
	chunks       map[string]*store.Chunk
	vectorHits   []store.SearchResult
	keywordHits  []store.SearchResult
	entities     []string
	neighborsBy  map[string][]store.GraphNeighbor
	graphUnsupported bool
}

var _ store.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) Initialize(ctx context.Context, dimensions int) error { return nil }
func (f *fakeBackend) IsInitialized(ctx context.Context) (bool, error)     { return true, nil }
func (f *fakeBackend) UpsertDocuments(ctx context.Context, chunks []*store.Chunk, embeddings [][]float32) error {
	return nil
}
func (f *fakeBackend) DeleteByIDs(ctx context.Context, ids []string) error    { return nil }
func (f *fakeBackend) DeleteBySource(ctx context.Context, path string) error  { return nil }
func (f *fakeBackend) VectorSearch(ctx context.Context, query []float32, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	return f.vectorHits, nil
}
func (f *fakeBackend) KeywordSearch(ctx context.Context, query string, limit int, filter store.QueryFilter) ([]store.SearchResult, error) {
	return f.keywordHits, nil
}
func (f *fakeBackend) GetByID(ctx context.Context, id string) (*store.Chunk, error) {
	return f.chunks[id], nil
}
func (f *fakeBackend) GetCount(ctx context.Context, filter store.QueryFilter) (int, error) {
	return len(f.chunks), nil
}
func (f *fakeBackend) GetEmbeddingMetadata(ctx context.Context) (*store.EmbeddingMetadata, error) {
	return nil, nil
}
func (f *fakeBackend) SetEmbeddingMetadata(ctx context.Context, meta store.EmbeddingMetadata) error {
	return nil
}
func (f *fakeBackend) ValidateEmbeddingCompatibility(ctx context.Context, model string, dimensions int) error {
	return nil
}
func (f *fakeBackend) Manifest(ctx context.Context) ([]store.FileManifestEntry, error) { return nil, nil }
func (f *fakeBackend) SaveManifestEntry(ctx context.Context, entry store.FileManifestEntry) error {
	return nil
}
func (f *fakeBackend) GraphPutTriplets(ctx context.Context, triplets []graph.Triplet) error { return nil }
func (f *fakeBackend) GraphNeighbors(ctx context.Context, entity string, depth int) ([]store.GraphNeighbor, error) {
	if f.graphUnsupported {
		return nil, errs.BackendUnsupportedError("relational", "embedded", "graph traversal")
	}
	return f.neighborsBy[entity], nil
}
func (f *fakeBackend) GraphEntities(ctx context.Context) ([]string, error) {
	if f.graphUnsupported {
		return nil, errs.BackendUnsupportedError("relational", "embedded", "graph traversal")
	}
	return f.entities, nil
}
func (f *fakeBackend) Reset(ctx context.Context) error { return nil }
func (f *fakeBackend) Close() error                    { return nil }

type fakeEmbedder struct{ vec []float32 }

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return e.vec, nil }
func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}
func (e *fakeEmbedder) Dimensions() int                     { return len(e.vec) }
func (e *fakeEmbedder) ModelName() string                   { return "fake" }
func (e *fakeEmbedder) Available(ctx context.Context) bool { return true }
func (e *fakeEmbedder) Close() error                        { return nil }
func (e *fakeEmbedder) SetBatchIndex(idx int)               {}
func (e *fakeEmbedder) SetFinalBatch(isFinal bool)          {}

func TestModeEngine_KeywordMode(t *testing.T) {
	backend := &fakeBackend{keywordHits: []store.SearchResult{{ChunkID: "k1", Score: 0.9}}}
	eng := NewModeEngine(backend, nil)

	results, err := eng.Search(context.Background(), "auth", ModeKeyword, 10, store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].ChunkID)
}

func TestModeEngine_VectorModeRequiresEmbedder(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewModeEngine(backend, nil)

	_, err := eng.Search(context.Background(), "auth", ModeVector, 10, store.QueryFilter{})
	require.Error(t, err)
}

func TestModeEngine_HybridModeFusesBothSignals(t *testing.T) {
	backend := &fakeBackend{
		vectorHits:  []store.SearchResult{{ChunkID: "v1", Score: 1.0}},
		keywordHits: []store.SearchResult{{ChunkID: "k1", Score: 1.0}},
	}
	eng := NewModeEngine(backend, &fakeEmbedder{vec: []float32{1, 0}})

	results, err := eng.Search(context.Background(), "auth", ModeHybrid, 10, store.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestModeEngine_GraphModeNoMatchReturnsEmpty(t *testing.T) {
	backend := &fakeBackend{entities: []string{"jwt"}}
	eng := NewModeEngine(backend, nil)

	results, err := eng.Search(context.Background(), "nothing matches here", ModeGraph, 10, store.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestModeEngine_GraphModeMatchesEntityAndTraverses(t *testing.T) {
	backend := &fakeBackend{
		chunks:   map[string]*store.Chunk{"c1": {ID: "c1", FilePath: "auth.go", Content: "jwt refresh"}},
		entities: []string{"jwt"},
		neighborsBy: map[string][]store.GraphNeighbor{
			"jwt": {{ChunkID: "c1", Score: 1.0}},
		},
	}
	eng := NewModeEngine(backend, nil)

	results, err := eng.Search(context.Background(), "how does jwt work", ModeGraph, 10, store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, "auth.go", results[0].FilePath)
}

func TestModeEngine_GraphModeUnsupportedBackendErrors(t *testing.T) {
	backend := &fakeBackend{graphUnsupported: true}
	eng := NewModeEngine(backend, nil)

	_, err := eng.Search(context.Background(), "jwt", ModeGraph, 10, store.QueryFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_602_BACKEND_UNSUPPORTED")
}

func TestModeEngine_MultiModeDegradesWhenGraphUnsupported(t *testing.T) {
	backend := &fakeBackend{
		graphUnsupported: true,
		vectorHits:       []store.SearchResult{{ChunkID: "v1", Score: 1.0}},
		keywordHits:      []store.SearchResult{{ChunkID: "k1", Score: 1.0}},
	}
	eng := NewModeEngine(backend, &fakeEmbedder{vec: []float32{1, 0}})

	results, err := eng.Search(context.Background(), "auth", ModeMulti, 10, store.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestModeEngine_UnknownModeIsValidationError(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewModeEngine(backend, nil)

	_, err := eng.Search(context.Background(), "auth", RetrievalMode("bogus"), 10, store.QueryFilter{})
	require.Error(t, err)
}
