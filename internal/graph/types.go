// Package graph extracts entity/relationship triplets from indexed code
// chunks and merges them into the small property graph the embedded
// backend persists (see internal/store's graph store).
package graph

// EntityType classifies the subject/object of a Triplet.
type EntityType string

const (
	EntityModule   EntityType = "module"
	EntityClass    EntityType = "class"
	EntityFunction EntityType = "function"
	EntityMethod   EntityType = "method"
	EntitySymbol   EntityType = "symbol"
)

// Predicate vocabulary. The code-metadata pass only ever emits these three;
// the LLM pass may add open-vocabulary predicates on top.
const (
	PredicateImports   = "imports"
	PredicateContains  = "contains"
	PredicateDefinedIn = "defined_in"
)

// Triplet is a single (subject, predicate, object) edge linking two named
// entities, attributed to the chunk it was extracted from.
type Triplet struct {
	Subject       string     `json:"subject"`
	SubjectType   EntityType `json:"subject_type"`
	Predicate     string     `json:"predicate"`
	Object        string     `json:"object"`
	ObjectType    EntityType `json:"object_type"`
	SourceChunkID string     `json:"source_chunk_id"`
}

// key returns a dedupe key ignoring SourceChunkID and the entity types — two
// triplets extracted from different chunks, or typed differently by the
// metadata and LLM passes, but describing the same edge are duplicates.
func (t Triplet) key() string {
	return t.Subject + "\x00" + t.Predicate + "\x00" + t.Object
}

// MaxTripletsPerChunk bounds the LLM extraction pass.
const MaxTripletsPerChunk = 20
