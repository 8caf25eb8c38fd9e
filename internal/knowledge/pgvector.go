package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetalok777/instaAgent/internal/domain"
)

// hnswMaxDimensions is the largest vector pgvector can index with HNSW.
const hnswMaxDimensions = 2000

// pgxConn is the subset of *pgxpool.Pool used by PgVectorIndex.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgVectorIndex stores chunks in PostgreSQL with the pgvector extension.
type PgVectorIndex struct {
	db   pgxConn
	pool *pgxpool.Pool
	dims int
}

// OpenPgVectorIndex connects a pool to dsn.
func OpenPgVectorIndex(ctx context.Context, dsn string, dims int) (*PgVectorIndex, error) {
	if dims <= 0 {
		return nil, errors.New("knowledge: dimensions must be positive")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("knowledge: ping: %w", err)
	}
	return &PgVectorIndex{db: pool, pool: pool, dims: dims}, nil
}

func newPgVectorIndex(db pgxConn, dims int) *PgVectorIndex {
	return &PgVectorIndex{db: db, dims: dims}
}

func (p *PgVectorIndex) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func schemaStatements(dims int) []string {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding vector(%d) NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, dims),
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_source_idx ON knowledge_chunks (tenant_id, source_id)`,
	}
	if dims <= hnswMaxDimensions {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS knowledge_chunks_embedding_idx ON knowledge_chunks USING hnsw (embedding vector_cosine_ops)`)
	}
	return stmts
}

// EnsureSchema creates the extension, table and indexes if missing.
func (p *PgVectorIndex) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(p.dims) {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("knowledge: EnsureSchema: %w", err)
		}
	}
	return nil
}

const insertChunkSQL = `INSERT INTO knowledge_chunks (id, tenant_id, source_id, content, embedding, metadata, created_at)
VALUES ($1, $2, $3, $4, $5::vector, $6::jsonb, $7)
ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`

func (p *PgVectorIndex) Insert(ctx context.Context, chunk domain.KnowledgeChunk) error {
	if chunk.ID == "" || chunk.TenantID == "" {
		return errors.New("knowledge: Insert: chunk id and tenant are required")
	}
	if len(chunk.Embedding) != p.dims {
		return fmt.Errorf("knowledge: Insert: %w: got %d, want %d", ErrDimensionMismatch, len(chunk.Embedding), p.dims)
	}
	meta := chunk.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	created := chunk.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := p.db.Exec(ctx, insertChunkSQL,
		chunk.ID, chunk.TenantID, chunk.SourceID, chunk.Content, vectorLiteral(chunk.Embedding), meta, created)
	if err != nil {
		return fmt.Errorf("knowledge: Insert: %w", err)
	}
	return nil
}

const nearestSQL = `SELECT id, source_id, content, metadata, created_at, embedding <=> $2::vector AS distance
FROM knowledge_chunks
WHERE tenant_id = $1 AND metadata @> $3::jsonb
ORDER BY embedding <=> $2::vector
LIMIT $4`

func (p *PgVectorIndex) NearestNeighbors(ctx context.Context, tenantID string, vector []float32, k int, filter Filter) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vector) != p.dims {
		return nil, fmt.Errorf("knowledge: NearestNeighbors: %w: got %d, want %d", ErrDimensionMismatch, len(vector), p.dims)
	}
	meta := filter.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	rows, err := p.db.Query(ctx, nearestSQL, tenantID, vectorLiteral(vector), meta, k)
	if err != nil {
		return nil, fmt.Errorf("knowledge: NearestNeighbors: %w", err)
	}
	defer rows.Close()

	var hits []domain.ScoredChunk
	for rows.Next() {
		var (
			c        domain.KnowledgeChunk
			distance float64
		)
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Content, &c.Metadata, &c.CreatedAt, &distance); err != nil {
			return nil, fmt.Errorf("knowledge: NearestNeighbors: scan: %w", err)
		}
		c.TenantID = tenantID
		hits = append(hits, domain.ScoredChunk{Chunk: c, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: NearestNeighbors: %w", err)
	}
	return hits, nil
}

func (p *PgVectorIndex) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM knowledge_chunks WHERE tenant_id = $1 AND source_id = $2`, tenantID, sourceID)
	if err != nil {
		return fmt.Errorf("knowledge: DeleteBySource: %w", err)
	}
	return nil
}

// RetireSource deletes every chunk of sourceID except the ids in keep.
func (p *PgVectorIndex) RetireSource(ctx context.Context, tenantID, sourceID string, keep []string) error {
	if keep == nil {
		keep = []string{}
	}
	_, err := p.db.Exec(ctx,
		`DELETE FROM knowledge_chunks WHERE tenant_id = $1 AND source_id = $2 AND NOT (id = ANY($3))`,
		tenantID, sourceID, keep)
	if err != nil {
		return fmt.Errorf("knowledge: RetireSource: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) DeleteChunks(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.Exec(ctx, `DELETE FROM knowledge_chunks WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, ids)
	if err != nil {
		return fmt.Errorf("knowledge: DeleteChunks: %w", err)
	}
	return nil
}

// vectorLiteral renders v in pgvector text format, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v)*10 + 2)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
