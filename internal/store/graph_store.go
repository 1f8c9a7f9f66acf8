package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/agent-brain/core/internal/graph"
)

// GraphNeighbor is a single hop result from GraphStore.Neighbors: the chunk
// that produced the traversed triplet, the entity path that reached it, and
// a score derived from inverse traversal distance.
type GraphNeighbor struct {
	ChunkID string
	Path    []string
	Score   float64
}

// graphFile is the on-disk representation of the embedded graph store:
// a flat triplet list plus an entity -> triplet-index adjacency. The index
// is rebuilt on load rather than trusted from disk, so only Triplets is
// authoritative.
type graphFile struct {
	Triplets []graph.Triplet `json:"triplets"`
}

// GraphStore is the embedded backend's small in-memory property graph,
// persisted as a single JSON file with atomic write. It is not a general
// graph database: traversal is a depth-bounded BFS over value-keyed
// adjacency, never pointer chasing, so cycles among entities are safe.
type GraphStore struct {
	mu       sync.RWMutex
	path     string
	triplets []graph.Triplet
	outEdges map[string][]int // entity name (as subject) -> triplet indices
	inEdges  map[string][]int // entity name (as object)  -> triplet indices
	byChunk  map[string][]int // source chunk ID -> triplet indices
}

// NewGraphStore creates a graph store backed by the JSON file at path. The
// file is not required to exist yet; it is created on first Save.
func NewGraphStore(path string) *GraphStore {
	return &GraphStore{
		path:     path,
		outEdges: make(map[string][]int),
		inEdges:  make(map[string][]int),
		byChunk:  make(map[string][]int),
	}
}

// Load reads the graph file from disk, rebuilding the in-memory index. A
// missing file is treated as an empty graph, not an error.
func (g *GraphStore) Load() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		g.triplets = nil
		g.rebuildIndex()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read graph store: %w", err)
	}

	var gf graphFile
	if err := json.Unmarshal(data, &gf); err != nil {
		return fmt.Errorf("decode graph store: %w", err)
	}
	g.triplets = gf.Triplets
	g.rebuildIndex()
	return nil
}

// rebuildIndex must be called with mu held.
func (g *GraphStore) rebuildIndex() {
	g.outEdges = make(map[string][]int)
	g.inEdges = make(map[string][]int)
	g.byChunk = make(map[string][]int)
	for i, t := range g.triplets {
		g.outEdges[t.Subject] = append(g.outEdges[t.Subject], i)
		g.inEdges[t.Object] = append(g.inEdges[t.Object], i)
		if t.SourceChunkID != "" {
			g.byChunk[t.SourceChunkID] = append(g.byChunk[t.SourceChunkID], i)
		}
	}
}

// Save atomically persists the graph store (write temp, rename),.
func (g *GraphStore) Save() error {
	g.mu.RLock()
	gf := graphFile{Triplets: g.triplets}
	g.mu.RUnlock()

	if dir := filepath.Dir(g.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create graph store directory: %w", err)
		}
	}

	data, err := json.Marshal(gf)
	if err != nil {
		return fmt.Errorf("encode graph store: %w", err)
	}

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp graph store: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename graph store: %w", err)
	}
	return nil
}

// PutTriplets appends new triplets and persists the store. It does not
// dedupe across calls beyond what the caller (internal/graph.Merge) already
// guarantees for a single chunk's extraction.
func (g *GraphStore) PutTriplets(ctx context.Context, triplets []graph.Triplet) error {
	if len(triplets) == 0 {
		return nil
	}

	g.mu.Lock()
	base := len(g.triplets)
	g.triplets = append(g.triplets, triplets...)
	for i, t := range triplets {
		idx := base + i
		g.outEdges[t.Subject] = append(g.outEdges[t.Subject], idx)
		g.inEdges[t.Object] = append(g.inEdges[t.Object], idx)
		if t.SourceChunkID != "" {
			g.byChunk[t.SourceChunkID] = append(g.byChunk[t.SourceChunkID], idx)
		}
	}
	g.mu.Unlock()

	return g.Save()
}

// DeleteByChunkIDs removes every triplet sourced from the given chunks
// (used by the pipeline's prune-and-upsert and rename/delete sweep).
func (g *GraphStore) DeleteByChunkIDs(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	doomed := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		doomed[id] = true
	}

	g.mu.Lock()
	kept := g.triplets[:0:0]
	for _, t := range g.triplets {
		if !doomed[t.SourceChunkID] {
			kept = append(kept, t)
		}
	}
	g.triplets = kept
	g.rebuildIndex()
	g.mu.Unlock()

	return g.Save()
}

// Entities returns every distinct entity name known to the graph, used by
// the retrieval engine's naive token-match entity extractor.
func (g *GraphStore) Entities() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	for _, t := range g.triplets {
		seen[t.Subject] = true
		seen[t.Object] = true
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Neighbors performs a depth-bounded BFS from entity over both outgoing and
// incoming edges, collecting the source chunk of every triplet encountered.
// depth is clamped to [1,4]. Results are ranked by inverse
// traversal distance and ties broken by entity frequency, then chunk ID.
func (g *GraphStore) Neighbors(ctx context.Context, entity string, depth int) ([]GraphNeighbor, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 4 {
		depth = 4
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	freq := make(map[string]int)
	best := make(map[string]graphHit) // chunkID -> best (shortest distance) hit

	visited := map[string]int{entity: 0}
	frontier := []string{entity}
	path := map[string][]string{entity: {entity}}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, e := range frontier {
			for _, idx := range g.outEdges[e] {
				t := g.triplets[idx]
				g.recordHit(best, freq, t.SourceChunkID, d+1, path[e], t.Object)
				if _, ok := visited[t.Object]; !ok {
					visited[t.Object] = d + 1
					path[t.Object] = append(append([]string{}, path[e]...), t.Object)
					next = append(next, t.Object)
				}
			}
			for _, idx := range g.inEdges[e] {
				t := g.triplets[idx]
				g.recordHit(best, freq, t.SourceChunkID, d+1, path[e], t.Subject)
				if _, ok := visited[t.Subject]; !ok {
					visited[t.Subject] = d + 1
					path[t.Subject] = append(append([]string{}, path[e]...), t.Subject)
					next = append(next, t.Subject)
				}
			}
		}
		frontier = next
	}

	results := make([]GraphNeighbor, 0, len(best))
	for chunkID, h := range best {
		results = append(results, GraphNeighbor{
			ChunkID: chunkID,
			Path:    h.path,
			Score:   1.0 / float64(h.dist),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		fi, fj := pathFrequency(freq, results[i].Path), pathFrequency(freq, results[j].Path)
		if fi != fj {
			return fi > fj
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	return results, nil
}

// graphHit tracks the shortest traversal to a chunk encountered so far.
type graphHit struct {
	dist int
	path []string
}

func (g *GraphStore) recordHit(best map[string]graphHit, freq map[string]int, chunkID string, dist int, parentPath []string, entity string) {
	freq[entity]++
	if chunkID == "" {
		return
	}
	p := append(append([]string{}, parentPath...), entity)
	if existing, ok := best[chunkID]; !ok || dist < existing.dist {
		best[chunkID] = graphHit{dist: dist, path: p}
	}
}

func pathFrequency(freq map[string]int, path []string) int {
	if len(path) == 0 {
		return 0
	}
	return freq[path[len(path)-1]]
}

// TripletsByChunk returns the triplets originally extracted from chunkID.
func (g *GraphStore) TripletsByChunk(chunkID string) []graph.Triplet {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idxs := g.byChunk[chunkID]
	out := make([]graph.Triplet, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, g.triplets[i])
	}
	return out
}

// AllSourceChunkIDs returns every distinct source chunk ID referenced by a
// triplet, used by Reset to clear the graph store along with the other
// stores without assuming anything about its on-disk representation.
func (g *GraphStore) AllSourceChunkIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, t := range g.triplets {
		if t.SourceChunkID != "" && !seen[t.SourceChunkID] {
			seen[t.SourceChunkID] = true
			out = append(out, t.SourceChunkID)
		}
	}
	return out
}

// Count returns the number of triplets currently stored.
func (g *GraphStore) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.triplets)
}
