package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/agent-brain/core/internal/chunk"
	"github.com/agent-brain/core/internal/embed"
	"github.com/agent-brain/core/internal/errs"
	"github.com/agent-brain/core/internal/graph"
	"github.com/agent-brain/core/internal/queue"
	"github.com/agent-brain/core/internal/scanner"
	"github.com/agent-brain/core/internal/store"
)

// DefaultProgressEvery is how many files the pipeline processes between
// progress checkpoints.
const DefaultProgressEvery = 50

// DefaultEmbedBatchSize bounds how many chunks are embedded per provider call.
const DefaultEmbedBatchSize = 32

// PipelineConfig wires the pipeline's dependencies. Summarizer is optional;
// its absence disables the LLM triplet pass and code summarization. A nil
// Embedder skips embedding and chunks are upserted without vectors.
// EmbedBatchSize and ProgressEvery fall back to defaults when not positive.
type PipelineConfig struct {
	Backend       store.Backend
	Embedder      embed.Embedder
	Summarizer    embed.Summarizer
	CodeChunker   *chunk.CodeChunker
	DocChunker    *chunk.MarkdownChunker
	Scanner       *scanner.Scanner
	EmbedBatchSize int
	ProgressEvery  int
}

// Pipeline implements the load -> chunk -> extract -> embed -> upsert
// indexing run described in exposed as a queue.Executor so it can be
// handed directly to queue.NewQueue.
type Pipeline struct {
	cfg PipelineConfig
}

// NewPipeline creates a Pipeline from cfg, applying defaults for batch size
// and progress cadence.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	return &Pipeline{cfg: cfg}
}

// Run executes one indexing job end to end, matching queue.Executor's
// signature so it can be passed straight to queue.NewQueue.
func (p *Pipeline) Run(ctx context.Context, req queue.JobRequest, report func(queue.ProgressReport) error) (int, error) {
	results, err := p.cfg.Scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          req.Path,
		IncludePatterns:  req.Patterns,
		RespectGitignore: true,
	})
	if err != nil {
		return 0, errs.IOError("scan project directory", err)
	}

	var files []*scanner.FileInfo
	for res := range results {
		if res.Error != nil {
			continue
		}
		files = append(files, res.File)
	}

	manifest, err := p.cfg.Backend.Manifest(ctx)
	if err != nil {
		return 0, err
	}
	byPath := make(map[string]store.FileManifestEntry, len(manifest))
	for _, entry := range manifest {
		byPath[entry.Path] = entry
	}
	seen := make(map[string]bool, len(files))

	totalChunks := 0
	for i, f := range files {
		n, err := p.indexFile(ctx, f, req.IncludeCode, byPath)
		if err != nil {
			return totalChunks, errs.InternalError(fmt.Sprintf("index file %s", f.Path), err)
		}
		seen[f.Path] = true
		totalChunks += n

		if (i+1)%p.cfg.ProgressEvery == 0 || i == len(files)-1 {
			if err := report(queue.ProgressReport{
				FilesProcessed: i + 1,
				FilesTotal:     len(files),
				ChunksCreated:  totalChunks,
				CurrentFile:    f.Path,
			}); err != nil {
				return totalChunks, err
			}
		}
	}

	// Rename/delete sweep: manifest entries for paths absent from this scan
	// are stale.
	for _, entry := range manifest {
		if seen[entry.Path] {
			continue
		}
		if err := p.cfg.Backend.DeleteBySource(ctx, entry.Path); err != nil {
			return totalChunks, err
		}
	}

	return totalChunks, nil
}

// indexFile implements the prune-and-upsert sequence for a single file
//.
func (p *Pipeline) indexFile(ctx context.Context, f *scanner.FileInfo, includeCode bool, byPath map[string]store.FileManifestEntry) (int, error) {
	if f.ContentType == scanner.ContentTypeCode && !includeCode {
		return 0, nil
	}

	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return 0, errs.IOError("read file", err)
	}

	chunks, err := p.chunkFile(ctx, f, content)
	if err != nil {
		return 0, err
	}

	newIDs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		newIDs = append(newIDs, c.ID)
	}

	// Determine stale IDs: previous manifest entry for this path that no
	// longer matches the new chunk set.
	if prevEntry, ok := byPath[f.Path]; ok {
		staleIDs := diffIDs(prevEntry.ChunkIDs, newIDs)
		if len(staleIDs) > 0 {
			if err := p.cfg.Backend.DeleteByIDs(ctx, staleIDs); err != nil {
				return 0, err
			}
		}
	}

	storeChunks, triplets, err := p.buildDocuments(ctx, chunks, f.IsTest)
	if err != nil {
		return 0, err
	}

	embeddings, err := p.embedChunks(ctx, storeChunks)
	if err != nil {
		return 0, err
	}

	if len(embeddings) > 0 {
		if err := p.cfg.Backend.ValidateEmbeddingCompatibility(ctx, p.embedderModel(), len(embeddings[0])); err != nil {
			return 0, err
		}
	}

	if err := p.cfg.Backend.UpsertDocuments(ctx, storeChunks, embeddings); err != nil {
		return 0, err
	}

	if len(triplets) > 0 {
		if err := p.cfg.Backend.GraphPutTriplets(ctx, triplets); err != nil {
			var be *errs.BrainError
			if !isBackendUnsupported(err, &be) {
				return 0, err
			}
		}
	}

	contentHash := sha256.Sum256(content)
	if err := p.cfg.Backend.SaveManifestEntry(ctx, store.FileManifestEntry{
		Path:        f.Path,
		ContentHash: hex.EncodeToString(contentHash[:]),
		ChunkIDs:    newIDs,
		IndexedAt:   time.Now(),
	}); err != nil {
		return 0, err
	}

	return len(chunks), nil
}

func isBackendUnsupported(err error, target **errs.BrainError) bool {
	be, ok := err.(*errs.BrainError)
	if !ok {
		return false
	}
	*target = be
	return be.Code == errs.ErrCodeBackendUnsupported
}

func (p *Pipeline) chunkFile(ctx context.Context, f *scanner.FileInfo, content []byte) ([]*chunk.Chunk, error) {
	input := &chunk.FileInput{Path: f.Path, Content: content, Language: f.Language}

	switch f.ContentType {
	case scanner.ContentTypeMarkdown:
		return p.cfg.DocChunker.Chunk(ctx, input)
	case scanner.ContentTypeCode:
		return p.cfg.CodeChunker.Chunk(ctx, input)
	default:
		return p.cfg.DocChunker.Chunk(ctx, input)
	}
}

// storeContentType classifies a chunk's retrieval-facing source_type: test
// source (isTest) takes precedence over a plain code/doc split so filters
// like `where source_type == test` can isolate test chunks regardless of
// which chunker produced them.
func storeContentType(chunkType chunk.ContentType, isTest bool) store.ContentType {
	if isTest {
		return store.ContentTypeTest
	}
	if chunkType == chunk.ContentTypeCode {
		return store.ContentTypeCode
	}
	return store.ContentTypeDoc
}

// isCodeLike reports whether a stored chunk's source_type is source code,
// production or test, as opposed to prose (ContentTypeDoc).
func isCodeLike(ct store.ContentType) bool {
	return ct == store.ContentTypeCode || ct == store.ContentTypeTest
}

// buildDocuments converts chunker output to the storage layer's Chunk type
// and runs the graph extractor's code-metadata and optional LLM passes.
// isTest marks every chunk as belonging to a test source file, per
// scanner's per-file test-convention detection.
func (p *Pipeline) buildDocuments(ctx context.Context, chunks []*chunk.Chunk, isTest bool) ([]*store.Chunk, []graph.Triplet, error) {
	storeChunks := make([]*store.Chunk, 0, len(chunks))
	var triplets []graph.Triplet

	for _, c := range chunks {
		storeChunks = append(storeChunks, &store.Chunk{
			ID:          c.ID,
			FilePath:    c.FilePath,
			Content:     c.Content,
			RawContent:  c.RawContent,
			Context:     c.Context,
			ContentType: storeContentType(c.ContentType, isTest),
			Language:    c.Language,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Symbols:     convertSymbols(c.Symbols),
			Metadata:    c.Metadata,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})

		if c.ContentType != chunk.ContentTypeCode {
			continue
		}
		metaTriplets := graph.ExtractFromChunk(c)
		allTriplets := metaTriplets
		if p.cfg.Summarizer != nil {
			extractor := graph.NewLLMExtractor(p.cfg.Summarizer)
			llmTriplets := extractor.Extract(ctx, c, metaTriplets)
			allTriplets = graph.Merge(metaTriplets, llmTriplets)
		}
		triplets = append(triplets, allTriplets...)
	}

	return storeChunks, triplets, nil
}

func convertSymbols(symbols []*chunk.Symbol) []*store.Symbol {
	if len(symbols) == 0 {
		return nil
	}
	out := make([]*store.Symbol, len(symbols))
	for i, s := range symbols {
		out[i] = &store.Symbol{
			Name:       s.Name,
			Type:       store.SymbolType(s.Type),
			StartLine:  s.StartLine,
			EndLine:    s.EndLine,
			Signature:  s.Signature,
			DocComment: s.DocComment,
		}
	}
	return out
}

// embedChunks batches embedding calls per EmbedBatchSize.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*store.Chunk) ([][]float32, error) {
	if len(chunks) == 0 || p.cfg.Embedder == nil {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.cfg.Embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, errs.ProviderError("embedder", "embed chunk batch", err)
		}
		embeddings = append(embeddings, batch...)
	}
	return embeddings, nil
}

func (p *Pipeline) embedderModel() string {
	if p.cfg.Embedder == nil {
		return ""
	}
	return p.cfg.Embedder.ModelName()
}

// diffIDs returns IDs present in prev but absent from current — the stale
// set to delete before upserting the new chunk set.
func diffIDs(prev, current []string) []string {
	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}
	var stale []string
	for _, id := range prev {
		if !currentSet[id] {
			stale = append(stale, id)
		}
	}
	return stale
}

