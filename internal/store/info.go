package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FormatBytes formats a byte count in human-readable form for IndexInfo
// display surfaces.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatTime formats a timestamp for IndexInfo display, rendering the zero
// value as "unknown" rather than Go's default zero-time string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}

// containsAny reports whether s contains any of the given substrings.
func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferBackendFromModel guesses which embedder backend produced a model
// name, for presenting IndexInfo.CurrentBackend without re-reading config.
func inferBackendFromModel(model string) string {
	if model == "static" || model == "static768" {
		return "static"
	}
	if strings.HasPrefix(model, "/") || containsAny(model, []string{"mlx-community/", "mlx-"}) {
		return "mlx"
	}
	return "ollama"
}

// getDirSize walks a directory recursively, summing file sizes. A
// nonexistent path returns 0, not an error, since IndexInfo is a
// best-effort diagnostic surface.
func getDirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// BuildIndexInfo assembles an IndexInfo snapshot from the metadata store's
// persisted embedding state and the on-disk index directory, used by
// read-only stats surfaces (not an HTTP endpoint; that transport is a
// separate concern).
func BuildIndexInfo(location, projectRoot string, project *Project, storedModel string, storedDim int, currentModel string, currentDim int) IndexInfo {
	info := IndexInfo{
		Location:          location,
		ProjectRoot:       projectRoot,
		IndexModel:        storedModel,
		IndexBackend:      inferBackendFromModel(storedModel),
		IndexDimensions:   storedDim,
		CurrentModel:      currentModel,
		CurrentBackend:    inferBackendFromModel(currentModel),
		CurrentDimensions: currentDim,
		Compatible:        storedModel == currentModel && storedDim == currentDim,
		IndexSizeBytes:    getDirSize(location),
	}
	if project != nil {
		info.ChunkCount = project.ChunkCount
		info.DocumentCount = project.FileCount
		info.CreatedAt = project.IndexedAt
		info.UpdatedAt = project.IndexedAt
	}
	return info
}
