package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vetalok777/instaAgent/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

type fakeConn struct {
	execs    []execCall
	execErr  error
	rows     *fakeRows
	queryErr error
	lastSQL  string
	lastArgs []any
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL = sql
	f.lastArgs = args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

type fakeRow struct {
	id, source, content string
	meta                map[string]any
	created             time.Time
	distance            float64
}

type fakeRows struct {
	data   []fakeRow
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	*dest[0].(*string) = row.id
	*dest[1].(*string) = row.source
	*dest[2].(*string) = row.content
	*dest[3].(*map[string]any) = row.meta
	*dest[4].(*time.Time) = row.created
	*dest[5].(*float64) = row.distance
	return nil
}

func TestPgVector_NearestNeighbors(t *testing.T) {
	rows := &fakeRows{data: []fakeRow{
		{id: "c1", source: "sku:A", content: "Dress, 199.99", meta: map[string]any{"is_active": true}, distance: 0.1},
		{id: "c2", source: "kb:faq", content: "Shipping takes 2 days", meta: map[string]any{"is_active": true}, distance: 0.3},
	}}
	conn := &fakeConn{rows: rows}
	idx := newPgVectorIndex(conn, 3)

	hits, err := idx.NearestNeighbors(context.Background(), "t1", []float32{0.5, 0.25, 1}, 3, ActiveOnly())
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "c1", hits[0].Chunk.ID)
	require.Equal(t, "t1", hits[0].Chunk.TenantID)
	require.Equal(t, 0.3, hits[1].Distance)
	require.True(t, rows.closed)

	require.Contains(t, conn.lastSQL, "ORDER BY embedding <=> $2::vector")
	require.Contains(t, conn.lastSQL, "metadata @> $3::jsonb")
	require.Equal(t, []any{"t1", "[0.5,0.25,1]", map[string]any{"is_active": true}, 3}, conn.lastArgs)
}

func TestPgVector_NearestNeighborsErrors(t *testing.T) {
	idx := newPgVectorIndex(&fakeConn{queryErr: errors.New("connection refused")}, 2)
	_, err := idx.NearestNeighbors(context.Background(), "t1", []float32{1, 0}, 3, Filter{})
	require.ErrorContains(t, err, "connection refused")

	_, err = idx.NearestNeighbors(context.Background(), "t1", []float32{1}, 3, Filter{})
	require.ErrorIs(t, err, ErrDimensionMismatch)

	idx = newPgVectorIndex(&fakeConn{rows: &fakeRows{err: errors.New("broken pipe")}}, 2)
	_, err = idx.NearestNeighbors(context.Background(), "t1", []float32{1, 0}, 3, Filter{})
	require.ErrorContains(t, err, "broken pipe")
}

func TestPgVector_Insert(t *testing.T) {
	conn := &fakeConn{}
	idx := newPgVectorIndex(conn, 2)
	err := idx.Insert(context.Background(), domain.KnowledgeChunk{
		ID: "c1", TenantID: "t1", SourceID: "sku:A", Content: "Dress", Embedding: []float32{0.5, -1},
	})
	require.NoError(t, err)
	require.Len(t, conn.execs, 1)
	require.Equal(t, insertChunkSQL, conn.execs[0].sql)
	require.Equal(t, "[0.5,-1]", conn.execs[0].args[4])
	require.Equal(t, map[string]any{}, conn.execs[0].args[5])

	err = idx.Insert(context.Background(), domain.KnowledgeChunk{ID: "c2", TenantID: "t1", Embedding: []float32{1}})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPgVector_RetireAndDelete(t *testing.T) {
	conn := &fakeConn{}
	idx := newPgVectorIndex(conn, 2)
	require.NoError(t, idx.RetireSource(context.Background(), "t1", "sku:A", nil))
	require.NoError(t, idx.DeleteBySource(context.Background(), "t1", "sku:B"))
	require.Len(t, conn.execs, 2)
	require.Contains(t, conn.execs[0].sql, "NOT (id = ANY($3))")
	require.Equal(t, []string{}, conn.execs[0].args[2])
	require.Equal(t, []any{"t1", "sku:B"}, conn.execs[1].args)

	conn.execErr = errors.New("deadlock")
	require.ErrorContains(t, idx.DeleteBySource(context.Background(), "t1", "sku:B"), "deadlock")
}

func TestPgVector_DeleteChunks(t *testing.T) {
	conn := &fakeConn{}
	idx := newPgVectorIndex(conn, 2)
	require.NoError(t, idx.DeleteChunks(context.Background(), "t1", nil))
	require.Empty(t, conn.execs)

	require.NoError(t, idx.DeleteChunks(context.Background(), "t1", []string{"c1", "c2"}))
	require.Len(t, conn.execs, 1)
	require.Contains(t, conn.execs[0].sql, "id = ANY($2)")
	require.Equal(t, []any{"t1", []string{"c1", "c2"}}, conn.execs[0].args)
}

func TestPgVector_EnsureSchema(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, newPgVectorIndex(conn, 3072).EnsureSchema(context.Background()))
	require.Len(t, conn.execs, 3)
	require.Contains(t, conn.execs[1].sql, "vector(3072)")

	conn = &fakeConn{}
	require.NoError(t, newPgVectorIndex(conn, 768).EnsureSchema(context.Background()))
	require.Len(t, conn.execs, 4)
	require.Contains(t, conn.execs[3].sql, "hnsw")
}

func TestVectorLiteral(t *testing.T) {
	require.Equal(t, "[]", vectorLiteral(nil))
	require.Equal(t, "[1,0.25,-3.5]", vectorLiteral([]float32{1, 0.25, -3.5}))
}
