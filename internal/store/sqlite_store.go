package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore implements MetadataStore on top of modernc.org/sqlite,
// mirroring SQLiteBM25Index's connection and pragma conventions (single
// writer, WAL mode, busy timeout) so the metadata DB and the FTS5 BM25 DB
// can safely share a data directory.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the metadata database at
// path. An empty path opens an in-memory database, used by tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		project_type TEXT NOT NULL DEFAULT 'unknown',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0,
		indexed_at TIMESTAMP,
		version TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time TIMESTAMP,
		content_hash TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		indexed_at TIMESTAMP,
		UNIQUE(project_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		content TEXT NOT NULL,
		raw_content TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		symbols TEXT NOT NULL DEFAULT '[]',
		embedding BLOB,
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(file_path);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		stage TEXT NOT NULL,
		total INTEGER NOT NULL,
		embedded_count INTEGER NOT NULL,
		embedder_model TEXT NOT NULL,
		updated_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS manifest (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL DEFAULT '',
		chunk_ids TEXT NOT NULL DEFAULT '[]',
		indexed_at TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying *sql.DB for callers that need direct access
// (compaction routines, integrity checks, test fixtures).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// --- Project operations ---

func (s *SQLiteStore) SaveProject(ctx context.Context, project *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, root_path=excluded.root_path, project_type=excluded.project_type,
			chunk_count=excluded.chunk_count, file_count=excluded.file_count,
			indexed_at=excluded.indexed_at, version=excluded.version`,
		project.ID, project.Name, project.RootPath, project.ProjectType,
		project.ChunkCount, project.FileCount, project.IndexedAt, project.Version)
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	var indexedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version
		FROM projects WHERE id = ?`, id).Scan(
		&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.IndexedAt = indexedAt.Time
	return p, nil
}

func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?`,
		fileCount, chunkCount, time.Now(), id)
	return err
}

func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	var fileCount, chunkCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return fmt.Errorf("count files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)`, id).Scan(&chunkCount); err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	return s.UpdateProjectStats(ctx, id, fileCount, chunkCount)
}

// --- File operations ---

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			size=excluded.size, mod_time=excluded.mod_time, content_hash=excluded.content_hash,
			language=excluded.language, content_type=excluded.content_type, indexed_at=excluded.indexed_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size, f.ModTime,
			f.ContentHash, f.Language, f.ContentType, f.IndexedAt); err != nil {
			return fmt.Errorf("save file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	f := &File{}
	var modTime, indexedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND path = ?`, projectID, path).Scan(
		&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	f.ModTime = modTime.Time
	f.IndexedAt = indexedAt.Time
	return f, nil
}

func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND mod_time > ?`, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("get changed files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

func (s *SQLiteStore) ListFiles(ctx context.Context, projectID, cursor string, limit int) ([]*File, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND path > ? ORDER BY path LIMIT ?`, projectID, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(files) > limit {
		next = files[limit].Path
		files = files[:limit]
	}
	return files, next, nil
}

func scanFiles(rows *sql.Rows) ([]*File, error) {
	var files []*File
	for rows.Next() {
		f := &File{}
		var modTime, indexedAt sql.NullTime
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime,
			&f.ContentHash, &f.Language, &f.ContentType, &indexedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.ModTime = modTime.Time
		f.IndexedAt = indexedAt.Time
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*File, len(files))
	for _, f := range files {
		out[f.Path] = f
	}
	return out, nil
}

func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM files WHERE project_id = ? AND path LIKE ?`, projectID, dirPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)`, projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Chunk operations ---

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, file_path, content, raw_content, context, content_type,
			language, start_line, end_line, metadata, symbols, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id=excluded.file_id, file_path=excluded.file_path, content=excluded.content,
			raw_content=excluded.raw_content, context=excluded.context, content_type=excluded.content_type,
			language=excluded.language, start_line=excluded.start_line, end_line=excluded.end_line,
			metadata=excluded.metadata, symbols=excluded.symbols, updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", c.ID, err)
		}
		symJSON, err := json.Marshal(c.Symbols)
		if err != nil {
			return fmt.Errorf("marshal symbols for %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.FileID, c.FilePath, c.Content, c.RawContent,
			c.Context, string(c.ContentType), c.Language, c.StartLine, c.EndLine,
			string(metaJSON), string(symJSON), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("save chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanChunkRow(row interface {
	Scan(dest ...interface{}) error
}) (*Chunk, error) {
	c := &Chunk{}
	var contentType, metaJSON, symJSON string
	var createdAt, updatedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.RawContent, &c.Context,
		&contentType, &c.Language, &c.StartLine, &c.EndLine, &metaJSON, &symJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ContentType = ContentType(contentType)
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	}
	if symJSON != "" {
		_ = json.Unmarshal([]byte(symJSON), &c.Symbols)
	}
	return c, nil
}

const chunkColumns = `id, file_id, file_path, content, raw_content, context, content_type,
	language, start_line, end_line, metadata, symbols, created_at, updated_at`

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := s.scanChunkRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE id IN (%s)`, chunkColumns, joinPlaceholders(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := s.scanChunkRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunksFiltered counts chunks matching every non-empty constraint.
// pathGlob is matched with SQLite's native GLOB operator (shell-style *, ?,
// [...]), which needs no escaping or translation from the Backend-level
// QueryFilter syntax.
func (s *SQLiteStore) CountChunksFiltered(ctx context.Context, contentType, language, pathGlob string) (int, error) {
	query := "SELECT COUNT(*) FROM chunks WHERE 1=1"
	var args []interface{}
	if contentType != "" {
		query += " AND content_type = ?"
		args = append(args, contentType)
	}
	if language != "" {
		query += " AND language = ?"
		args = append(args, language)
	}
	if pathGlob != "" {
		query += " AND file_path GLOB ?"
		args = append(args, pathGlob)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks filtered: %w", err)
	}
	return count, nil
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}

func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by file: %w", err)
	}
	defer rows.Close()
	var chunks []*Chunk
	for rows.Next() {
		c, err := s.scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteChunks removes chunks by ID. An empty id list is a strict no-op,
// never mistaken for "delete everything".
func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, joinPlaceholders(placeholders))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID)
	return err
}

// --- Symbol operations ---

func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT symbols FROM chunks WHERE symbols LIKE ?`, "%"+name+"%")
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() && len(out) < limit {
		var symJSON string
		if err := rows.Scan(&symJSON); err != nil {
			return nil, err
		}
		var symbols []*Symbol
		if err := json.Unmarshal([]byte(symJSON), &symbols); err != nil {
			continue
		}
		for _, sym := range symbols {
			if len(out) >= limit {
				break
			}
			if sym != nil && containsFold(sym.Name, name) {
				out = append(out, sym)
			}
		}
	}
	return out, rows.Err()
}

func containsFold(haystack, needle string) bool {
	return len(needle) == 0 || indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	if nl == 0 {
		return 0
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// --- State operations ---

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- Embedding operations ---

func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunk ID count %d does not match embedding count %d", len(chunkIDs), len(embeddings))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, id := range chunkIDs {
		blob, err := encodeEmbedding(embeddings[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, blob, model, id); err != nil {
			return fmt.Errorf("save embedding for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeEmbedding(blob)
		if err != nil {
			continue
		}
		out[id] = vec
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL`).Scan(&withEmbedding); err != nil {
		return
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedding IS NULL`).Scan(&withoutEmbedding)
	return
}

func encodeEmbedding(v []float32) ([]byte, error) {
	return json.Marshal(v)
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	var v []float32
	err := json.Unmarshal(blob, &v)
	return v, err
}

// --- Checkpoint operations ---

func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, stage, total, embedded_count, embedder_model, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage=excluded.stage, total=excluded.total, embedded_count=excluded.embedded_count,
			embedder_model=excluded.embedder_model, updated_at=excluded.updated_at`,
		stage, total, embeddedCount, embedderModel, time.Now())
	return err
}

func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	cp := &IndexCheckpoint{}
	var updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT stage, total, embedded_count, embedder_model, updated_at FROM checkpoints WHERE id = 1`).Scan(
		&cp.Stage, &cp.Total, &cp.EmbeddedCount, &cp.EmbedderModel, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.Timestamp = updatedAt.Time
	return cp, nil
}

func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = 1`)
	return err
}

// --- Manifest operations ---

// SaveManifestEntry upserts a file's manifest row, used by the indexing
// pipeline's prune-and-upsert pass to know which chunk IDs belong to a file
// without re-scanning the chunks table by path on every run.
func (s *SQLiteStore) SaveManifestEntry(ctx context.Context, entry FileManifestEntry) error {
	idsJSON, err := json.Marshal(entry.ChunkIDs)
	if err != nil {
		return fmt.Errorf("marshal manifest chunk ids for %s: %w", entry.Path, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO manifest (path, content_hash, chunk_ids, indexed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash=excluded.content_hash, chunk_ids=excluded.chunk_ids, indexed_at=excluded.indexed_at`,
		entry.Path, entry.ContentHash, string(idsJSON), entry.IndexedAt)
	return err
}

// Manifest returns every tracked file's manifest entry.
func (s *SQLiteStore) Manifest(ctx context.Context) ([]FileManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, content_hash, chunk_ids, indexed_at FROM manifest`)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	defer rows.Close()

	var out []FileManifestEntry
	for rows.Next() {
		var e FileManifestEntry
		var idsJSON string
		var indexedAt sql.NullTime
		if err := rows.Scan(&e.Path, &e.ContentHash, &idsJSON, &indexedAt); err != nil {
			return nil, fmt.Errorf("scan manifest entry: %w", err)
		}
		_ = json.Unmarshal([]byte(idsJSON), &e.ChunkIDs)
		e.IndexedAt = indexedAt.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteManifestEntry removes a file's manifest row (rename/delete sweep).
func (s *SQLiteStore) DeleteManifestEntry(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM manifest WHERE path = ?`, path)
	return err
}
