package embed

import "context"

// Summarizer is the provider port for LLM-backed text summarization and
// triplet extraction, mirroring the shape of Embedder so both providers can
// be wired through the same factory/retry/caching conventions.
type Summarizer interface {
	// Summarize returns a short natural-language summary of text.
	Summarize(ctx context.Context, text string) (string, error)

	// ExtractTriplets asks the model to return pipe-delimited
	// "subject|predicate|object" lines describing entities and
	// relationships found in text, per a fixed extraction prompt. The
	// caller bounds the number of lines it accepts.
	ExtractTriplets(ctx context.Context, text string) ([]string, error)

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the summarizer is ready.
	Available(ctx context.Context) bool
}
