package graph

import (
	"context"
	"log/slog"
	"strings"

	"github.com/agent-brain/core/internal/chunk"
	"github.com/agent-brain/core/internal/embed"
)

// tripletExtractionPrompt is the fixed prompt for the LLM pass. The
// model is asked for one "subject|predicate|object" triplet per line so the
// response can be parsed without a structured-output API.
const tripletExtractionPrompt = `Extract entity relationships from the following code as a list of
triplets, one per line, in the exact form "subject|predicate|object".
Use short, lower_snake_case predicates (e.g. "calls", "extends", "uses").
Only include relationships stated or clearly implied by the code. Do not
include any other text.

`

// LLMExtractor runs the optional LLM triplet pass, bounded by
// MaxTripletsPerChunk, and merges its output against the deterministic
// code-metadata pass (duplicates are dropped).
type LLMExtractor struct {
	Summarizer embed.Summarizer
}

// NewLLMExtractor returns an extractor. A nil Summarizer makes Extract a
// no-op, which is how the pipeline disables the LLM pass when the
// summarization provider is not configured.
func NewLLMExtractor(s embed.Summarizer) *LLMExtractor {
	return &LLMExtractor{Summarizer: s}
}

// Extract returns LLM-derived triplets for a code chunk, already deduped
// against metaTriplets (the code-metadata pass output for the same chunk).
func (e *LLMExtractor) Extract(ctx context.Context, c *chunk.Chunk, metaTriplets []Triplet) []Triplet {
	if e == nil || e.Summarizer == nil || c == nil {
		return nil
	}
	if !e.Summarizer.Available(ctx) {
		return nil
	}

	lines, err := e.Summarizer.ExtractTriplets(ctx, tripletExtractionPrompt+c.Content)
	if err != nil {
		slog.Warn("graph: llm triplet extraction failed", "chunk_id", c.ID, "error", err)
		return nil
	}

	seen := make(map[string]bool, len(metaTriplets))
	for _, t := range metaTriplets {
		seen[t.key()] = true
	}

	var out []Triplet
	for _, line := range lines {
		if len(out) >= MaxTripletsPerChunk {
			break
		}
		t, ok := parseTripletLine(line, c.ID)
		if !ok {
			continue
		}
		if seen[t.key()] {
			continue
		}
		seen[t.key()] = true
		out = append(out, t)
	}
	return out
}

// parseTripletLine parses a single "subject|predicate|object" line. Entity
// types are left generic (EntitySymbol) since the LLM pass does not
// guarantee AST-grounded typing.
func parseTripletLine(line, chunkID string) (Triplet, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) != 3 {
		return Triplet{}, false
	}
	subj := strings.TrimSpace(parts[0])
	pred := strings.TrimSpace(parts[1])
	obj := strings.TrimSpace(parts[2])
	if subj == "" || pred == "" || obj == "" {
		return Triplet{}, false
	}
	return Triplet{
		Subject:       subj,
		SubjectType:   EntitySymbol,
		Predicate:     pred,
		Object:        obj,
		ObjectType:    EntitySymbol,
		SourceChunkID: chunkID,
	}, true
}

// Merge combines the deterministic and LLM passes for a single chunk,
// dropping LLM duplicates of metadata-pass edges.
func Merge(metaTriplets, llmTriplets []Triplet) []Triplet {
	out := make([]Triplet, 0, len(metaTriplets)+len(llmTriplets))
	out = append(out, metaTriplets...)

	seen := make(map[string]bool, len(metaTriplets))
	for _, t := range metaTriplets {
		seen[t.key()] = true
	}
	for _, t := range llmTriplets {
		if seen[t.key()] {
			continue
		}
		seen[t.key()] = true
		out = append(out, t)
	}
	return out
}
