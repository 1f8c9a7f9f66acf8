package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/agent-brain/core/internal/errs"
	"github.com/agent-brain/core/internal/graph"
)

// PostgresConfig configures the relational backend's connection, mirroring
// config.RelationalConfig without importing internal/config (store stays a
// leaf package — config values are passed in by the composition root).
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	PoolSize int
}

// DSN builds a libpq-style connection string from the config fields.
func (c PostgresConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode)
}

// PostgresBackend implements Backend against Postgres with the pgvector
// extension. It does not support graph-mode retrieval: a property graph
// needs its own traversal engine, and a backend may decline that
// capability rather than emulate it.
type PostgresBackend struct {
	pool       *pgxpool.Pool
	dimensions int
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend connects to Postgres and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errs.StorageError("relational", "parse connection string", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.StorageError("relational", "connect to postgres", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Initialize(ctx context.Context, dimensions int) error {
	p.dimensions = dimensions

	stmt := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	content TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	start_line INT NOT NULL DEFAULT 0,
	end_line INT NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}',
	embedding vector(%d),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chunks_path_idx ON chunks (file_path);

CREATE TABLE IF NOT EXISTS manifest (
	path TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL DEFAULT '',
	chunk_ids JSONB NOT NULL DEFAULT '[]',
	indexed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS kv_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`, dimensions)

	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return errs.StorageError("relational", "initialize schema", err)
	}

	// The IVFFlat index needs rows to build a useful index; creating it
	// lazily here is fine to skip on an empty table and is safe to retry.
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err == nil && count > 0 {
		_, _ = p.pool.Exec(ctx, `
			CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`)
	}

	return nil
}

func (p *PostgresBackend) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'chunks')`).Scan(&exists)
	if err != nil {
		return false, errs.StorageError("relational", "check initialization", err)
	}
	return exists, nil
}

func (p *PostgresBackend) UpsertDocuments(ctx context.Context, chunks []*Chunk, embeddings [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if embeddings != nil && len(embeddings) != len(chunks) {
		return errs.ValidationError(
			fmt.Sprintf("chunk count %d does not match embedding count %d", len(chunks), len(embeddings)), nil)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.StorageError("relational", "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	for i, c := range chunks {
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return errs.StorageError("relational", "marshal metadata", err)
		}

		var vec *pgvector.Vector
		if embeddings != nil {
			v := pgvector.NewVector(embeddings[i])
			vec = &v
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, file_path, content, content_type, language, start_line, end_line, metadata, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				file_path=excluded.file_path, content=excluded.content, content_type=excluded.content_type,
				language=excluded.language, start_line=excluded.start_line, end_line=excluded.end_line,
				metadata=excluded.metadata, embedding=COALESCE(excluded.embedding, chunks.embedding),
				updated_at=excluded.updated_at`,
			c.ID, c.FilePath, c.Content, string(c.ContentType), c.Language, c.StartLine, c.EndLine,
			string(metaJSON), vec, c.CreatedAt, c.UpdatedAt); err != nil {
			return errs.StorageError("relational", fmt.Sprintf("upsert chunk %s", c.ID), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.StorageError("relational", "commit transaction", err)
	}
	return nil
}

// DeleteByIDs is a strict no-op on an empty id list: the IN clause
// below would otherwise need special-casing to avoid "DELETE FROM chunks
// WHERE id IN ()", which is itself invalid SQL — but the real hazard is a
// caller mistakenly reaching this with an empty set meaning "no work", not
// "delete all", so the guard is load-bearing regardless of SQL validity.
func (p *PostgresBackend) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return errs.StorageError("relational", "delete chunks", err)
	}
	return nil
}

func (p *PostgresBackend) DeleteBySource(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.StorageError("relational", "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE file_path = $1`, path); err != nil {
		return errs.StorageError("relational", "delete chunks by source", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM manifest WHERE path = $1`, path); err != nil {
		return errs.StorageError("relational", "delete manifest entry", err)
	}
	return tx.Commit(ctx)
}

// globToLike translates a shell glob (the syntax QueryFilter.PathGlob and
// the embedded backend's SQLite GLOB both use) into a Postgres LIKE
// pattern, escaping LIKE's own wildcards so a literal "%"/"_" in a path
// never behaves as a wildcard. Postgres has no native GLOB operator.
func globToLike(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// filterWhereClause builds the `AND ...` fragment and positional args for
// filter's SourceType/Language/PathGlob constraints, starting parameter
// numbering at argOffset+1. MinScore is applied after the query runs,
// since score is a computed expression rather than a stored column.
func filterWhereClause(filter QueryFilter, argOffset int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", argOffset+len(args))
	}
	if filter.SourceType != "" {
		clauses = append(clauses, "content_type = "+next(string(filter.SourceType)))
	}
	if filter.Language != "" {
		clauses = append(clauses, "language = "+next(filter.Language))
	}
	if filter.PathGlob != "" {
		clauses = append(clauses, "file_path LIKE "+next(globToLike(filter.PathGlob))+" ESCAPE '\\'")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

func (p *PostgresBackend) VectorSearch(ctx context.Context, query []float32, limit int, filter QueryFilter) ([]SearchResult, error) {
	where, whereArgs := filterWhereClause(filter, 2)
	sqlLimit := limit
	if filter.MinScore > 0 && sqlLimit > 0 {
		sqlLimit *= filterOverfetch
	}
	args := append([]interface{}{pgvector.NewVector(query), sqlLimit}, whereArgs...)

	rows, err := p.pool.Query(ctx, `
		SELECT id, file_path, content, content_type, language, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE embedding IS NOT NULL`+where+`
		ORDER BY embedding <=> $1
		LIMIT $2`, args...)
	if err != nil {
		return nil, errs.StorageError("relational", "vector search", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var contentType string
		if err := rows.Scan(&r.ChunkID, &r.FilePath, &r.Content, &contentType, &r.Language, &r.Score); err != nil {
			return nil, errs.StorageError("relational", "scan vector result", err)
		}
		r.Source = "vector"
		r.SourceType = ContentType(contentType)
		if !filter.Match(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// KeywordSearch uses Postgres full-text search (plainto_tsquery + ts_rank)
// rather than BM25; ts_rank is not BM25-equivalent, so callers relying on
// exact BM25 ranking semantics should prefer the embedded backend.
func (p *PostgresBackend) KeywordSearch(ctx context.Context, query string, limit int, filter QueryFilter) ([]SearchResult, error) {
	where, whereArgs := filterWhereClause(filter, 2)
	sqlLimit := limit
	if filter.MinScore > 0 && sqlLimit > 0 {
		sqlLimit *= filterOverfetch
	}
	args := append([]interface{}{query, sqlLimit}, whereArgs...)

	rows, err := p.pool.Query(ctx, `
		SELECT id, file_path, content, content_type, language, ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
		FROM chunks
		WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)`+where+`
		ORDER BY score DESC
		LIMIT $2`, args...)
	if err != nil {
		return nil, errs.StorageError("relational", "keyword search", err)
	}
	defer rows.Close()

	var results []SearchResult
	maxScore := 0.0
	for rows.Next() {
		var r SearchResult
		var contentType string
		if err := rows.Scan(&r.ChunkID, &r.FilePath, &r.Content, &contentType, &r.Language, &r.Score); err != nil {
			return nil, errs.StorageError("relational", "scan keyword result", err)
		}
		r.Source = "keyword"
		r.SourceType = ContentType(contentType)
		if r.Score > maxScore {
			maxScore = r.Score
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.StorageError("relational", "iterate keyword results", err)
	}

	out := results[:0]
	for _, r := range results {
		if maxScore > 0 {
			r.Score /= maxScore
		}
		if !filter.Match(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *PostgresBackend) GetByID(ctx context.Context, id string) (*Chunk, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, file_path, content, content_type, language, start_line, end_line, metadata, created_at, updated_at
		FROM chunks WHERE id = $1`, id)

	c := &Chunk{}
	var contentType, metaJSON string
	if err := row.Scan(&c.ID, &c.FilePath, &c.Content, &contentType, &c.Language,
		&c.StartLine, &c.EndLine, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errs.StorageError("relational", "get chunk", err)
	}
	c.ContentType = ContentType(contentType)
	_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	return c, nil
}

func (p *PostgresBackend) GetCount(ctx context.Context, filter QueryFilter) (int, error) {
	where, args := filterWhereClause(filter, 0)
	query := `SELECT COUNT(*) FROM chunks`
	if where != "" {
		query += ` WHERE ` + strings.TrimPrefix(where, " AND ")
	}
	var count int
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, errs.StorageError("relational", "count chunks", err)
	}
	return count, nil
}

func (p *PostgresBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	var model string
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv_state WHERE key = $1`, StateKeyIndexModel).Scan(&model)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.StorageError("relational", "read embedding metadata", err)
	}

	var dimStr, updatedStr string
	_ = p.pool.QueryRow(ctx, `SELECT value FROM kv_state WHERE key = $1`, StateKeyIndexDimension).Scan(&dimStr)
	_ = p.pool.QueryRow(ctx, `SELECT value FROM kv_state WHERE key = $1`, StateKeyIndexUpdatedAt).Scan(&updatedStr)

	dim, _ := strconv.Atoi(dimStr)
	updated, _ := time.Parse(time.RFC3339, updatedStr)
	return &EmbeddingMetadata{Model: model, Dimensions: dim, UpdatedAt: updated}, nil
}

func (p *PostgresBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	updatedAt := meta.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	kv := map[string]string{
		StateKeyIndexModel:      meta.Model,
		StateKeyIndexDimension:  strconv.Itoa(meta.Dimensions),
		StateKeyIndexUpdatedAt:  updatedAt.Format(time.RFC3339),
	}
	for k, v := range kv {
		if _, err := p.pool.Exec(ctx, `
			INSERT INTO kv_state (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return errs.StorageError("relational", "write embedding metadata", err)
		}
	}
	return nil
}

func (p *PostgresBackend) ValidateEmbeddingCompatibility(ctx context.Context, model string, dimensions int) error {
	existing, err := p.GetEmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.Model != model || existing.Dimensions != dimensions {
		return errs.ProviderMismatchError(existing.Model, existing.Dimensions, model, dimensions)
	}
	return nil
}

func (p *PostgresBackend) Manifest(ctx context.Context) ([]FileManifestEntry, error) {
	rows, err := p.pool.Query(ctx, `SELECT path, content_hash, chunk_ids, indexed_at FROM manifest`)
	if err != nil {
		return nil, errs.StorageError("relational", "read manifest", err)
	}
	defer rows.Close()

	var out []FileManifestEntry
	for rows.Next() {
		var e FileManifestEntry
		var idsJSON string
		if err := rows.Scan(&e.Path, &e.ContentHash, &idsJSON, &e.IndexedAt); err != nil {
			return nil, errs.StorageError("relational", "scan manifest entry", err)
		}
		_ = json.Unmarshal([]byte(idsJSON), &e.ChunkIDs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) SaveManifestEntry(ctx context.Context, entry FileManifestEntry) error {
	idsJSON, err := json.Marshal(entry.ChunkIDs)
	if err != nil {
		return errs.StorageError("relational", "marshal manifest chunk ids", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO manifest (path, content_hash, chunk_ids, indexed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET
			content_hash=excluded.content_hash, chunk_ids=excluded.chunk_ids, indexed_at=excluded.indexed_at`,
		entry.Path, entry.ContentHash, string(idsJSON), entry.IndexedAt)
	if err != nil {
		return errs.StorageError("relational", "save manifest entry", err)
	}
	return nil
}

// GraphPutTriplets always fails: the relational backend has no property
// graph, allowing a backend to decline the capability.
func (p *PostgresBackend) GraphPutTriplets(ctx context.Context, triplets []graph.Triplet) error {
	return errs.BackendUnsupportedError("relational", "embedded", "graph triplet storage")
}

func (p *PostgresBackend) GraphNeighbors(ctx context.Context, entity string, depth int) ([]GraphNeighbor, error) {
	return nil, errs.BackendUnsupportedError("relational", "embedded", "graph traversal")
}

func (p *PostgresBackend) GraphEntities(ctx context.Context) ([]string, error) {
	return nil, errs.BackendUnsupportedError("relational", "embedded", "graph traversal")
}

func (p *PostgresBackend) Reset(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.StorageError("relational", "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`TRUNCATE chunks`,
		`TRUNCATE manifest`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return errs.StorageError("relational", "reset: "+strings.TrimSpace(stmt), err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
