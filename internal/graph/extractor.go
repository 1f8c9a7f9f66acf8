package graph

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agent-brain/core/internal/chunk"
)

// goImportRe matches quoted import paths inside a Go import declaration,
// e.g. `"github.com/foo/bar"` or `alias "foo/bar"`.
var goImportRe = regexp.MustCompile(`"([^"]+)"`)

// jsImportRe matches the module specifier of an ES import/require statement.
var jsImportRe = regexp.MustCompile(`from\s+['"]([^'"]+)['"]|require\(\s*['"]([^'"]+)['"]\s*\)`)

// pyImportRe matches `import x` and `from x import y` statements.
var pyImportRe = regexp.MustCompile(`^\s*(?:from\s+([\w.]+)\s+import|import\s+([\w.,\s]+))`)

// ExtractFromChunk derives deterministic code-metadata triplets from a
// single chunk's AST-derived fields:
//
//	(module, imports, X)
//	(class, contains, method)
//	(symbol, defined_in, module)
//
// The module entity is the chunk's file path with its extension stripped,
// since the chunker does not retain a separate package-declaration node.
func ExtractFromChunk(c *chunk.Chunk) []Triplet {
	if c == nil || c.ContentType != chunk.ContentTypeCode {
		return nil
	}

	module := moduleName(c.FilePath)
	var triplets []Triplet

	for _, imp := range parseImports(c.Language, c.Context) {
		triplets = append(triplets, Triplet{
			Subject:       module,
			SubjectType:   EntityModule,
			Predicate:     PredicateImports,
			Object:        imp,
			ObjectType:    EntityModule,
			SourceChunkID: c.ID,
		})
	}

	var lastClass string
	for _, sym := range c.Symbols {
		if sym == nil {
			continue
		}
		entityType := symbolEntityType(sym.Type)

		triplets = append(triplets, Triplet{
			Subject:       sym.Name,
			SubjectType:   entityType,
			Predicate:     PredicateDefinedIn,
			Object:        module,
			ObjectType:    EntityModule,
			SourceChunkID: c.ID,
		})

		switch sym.Type {
		case chunk.SymbolTypeClass, chunk.SymbolTypeInterface:
			lastClass = sym.Name
		case chunk.SymbolTypeMethod:
			if lastClass != "" {
				triplets = append(triplets, Triplet{
					Subject:       lastClass,
					SubjectType:   EntityClass,
					Predicate:     PredicateContains,
					Object:        sym.Name,
					ObjectType:    EntityMethod,
					SourceChunkID: c.ID,
				})
			}
		}
	}

	return triplets
}

func symbolEntityType(t chunk.SymbolType) EntityType {
	switch t {
	case chunk.SymbolTypeClass, chunk.SymbolTypeInterface:
		return EntityClass
	case chunk.SymbolTypeMethod:
		return EntityMethod
	case chunk.SymbolTypeFunction:
		return EntityFunction
	default:
		return EntitySymbol
	}
}

// moduleName strips the directory-independent extension so that the same
// file always resolves to the same module entity regardless of chunk index.
func moduleName(path string) string {
	base := filepath.ToSlash(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// parseImports extracts module/package names referenced by a chunk's
// extracted import context, keyed by the chunker's language identifier.
func parseImports(language, context string) []string {
	if context == "" {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	switch language {
	case "go":
		for _, m := range goImportRe.FindAllStringSubmatch(context, -1) {
			add(m[1])
		}
	case "typescript", "tsx", "javascript", "jsx":
		for _, m := range jsImportRe.FindAllStringSubmatch(context, -1) {
			if m[1] != "" {
				add(m[1])
			} else if m[2] != "" {
				add(m[2])
			}
		}
	case "python":
		for _, line := range strings.Split(context, "\n") {
			m := pyImportRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if m[1] != "" {
				add(m[1])
				continue
			}
			for _, name := range strings.Split(m[2], ",") {
				fields := strings.Fields(strings.TrimSpace(name))
				if len(fields) > 0 {
					add(fields[0])
				}
			}
		}
	}

	return out
}
