package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vetalok777/instaAgent/internal/domain"
)

func chunk(id, tenant, source string, vec []float32, active bool) domain.KnowledgeChunk {
	return domain.KnowledgeChunk{
		ID:        id,
		TenantID:  tenant,
		SourceID:  source,
		Content:   "content " + id,
		Embedding: vec,
		Metadata:  map[string]any{"is_active": active, "doc_type": "product"},
	}
}

func TestMemoryIndex_NearestNeighborsOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Insert(ctx, chunk("far", "t1", "s1", []float32{0, 1}, true)))
	require.NoError(t, idx.Insert(ctx, chunk("near", "t1", "s2", []float32{1, 0.1}, true)))
	require.NoError(t, idx.Insert(ctx, chunk("mid", "t1", "s3", []float32{1, 1}, true)))
	require.NoError(t, idx.Insert(ctx, chunk("other-tenant", "t2", "s1", []float32{1, 0}, true)))

	hits, err := idx.NearestNeighbors(ctx, "t1", []float32{1, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "near", hits[0].Chunk.ID)
	require.Equal(t, "mid", hits[1].Chunk.ID)
	require.Less(t, hits[0].Distance, hits[1].Distance)
}

func TestMemoryIndex_FilterExcludesInactive(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Insert(ctx, chunk("old", "t1", "s1", []float32{1, 0}, false)))
	require.NoError(t, idx.Insert(ctx, chunk("new", "t1", "s1", []float32{0.9, 0.1}, true)))

	hits, err := idx.NearestNeighbors(ctx, "t1", []float32{1, 0}, 3, ActiveOnly())
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "new", hits[0].Chunk.ID)
}

func TestMemoryIndex_EmptyTenant(t *testing.T) {
	idx := NewMemoryIndex(2)
	hits, err := idx.NearestNeighbors(context.Background(), "t1", []float32{1, 0}, 3, Filter{})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(0)
	require.NoError(t, idx.Insert(ctx, chunk("a", "t1", "s1", []float32{1, 0, 0}, true)))
	err := idx.Insert(ctx, chunk("b", "t1", "s1", []float32{1, 0}, true))
	require.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = idx.NearestNeighbors(ctx, "t1", []float32{1}, 1, Filter{})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMemoryIndex_RetireSourceKeepsNewChunks(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Insert(ctx, chunk("v1", "t1", "sku:A", []float32{1, 0}, true)))
	require.NoError(t, idx.Insert(ctx, chunk("v2", "t1", "sku:A", []float32{1, 0}, true)))
	require.NoError(t, idx.Insert(ctx, chunk("b", "t1", "sku:B", []float32{1, 0}, true)))

	require.NoError(t, idx.RetireSource(ctx, "t1", "sku:A", []string{"v2"}))
	hits, err := idx.NearestNeighbors(ctx, "t1", []float32{1, 0}, 10, Filter{})
	require.NoError(t, err)
	ids := []string{}
	for _, h := range hits {
		ids = append(ids, h.Chunk.ID)
	}
	require.ElementsMatch(t, []string{"v2", "b"}, ids)

	require.NoError(t, idx.DeleteBySource(ctx, "t1", "sku:B"))
	require.Equal(t, 1, idx.Len("t1"))
}

func TestMemoryIndex_DeleteChunks(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Insert(ctx, chunk("a", "t1", "s1", []float32{1, 0}, true)))
	require.NoError(t, idx.Insert(ctx, chunk("b", "t1", "s1", []float32{1, 0}, true)))
	require.NoError(t, idx.Insert(ctx, chunk("a", "t2", "s1", []float32{1, 0}, true)))

	require.NoError(t, idx.DeleteChunks(ctx, "t1", []string{"a", "missing"}))
	require.Equal(t, 1, idx.Len("t1"))
	require.Equal(t, 1, idx.Len("t2"))
}

func TestMemoryIndex_InsertReplacesSameID(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Insert(ctx, chunk("a", "t1", "s1", []float32{1, 0}, true)))
	updated := chunk("a", "t1", "s1", []float32{0, 1}, true)
	updated.Content = "updated"
	require.NoError(t, idx.Insert(ctx, updated))
	require.Equal(t, 1, idx.Len("t1"))
}

func TestCosineDistance(t *testing.T) {
	d, ok := cosineDistance([]float32{1, 0}, []float32{1, 0})
	require.True(t, ok)
	require.InDelta(t, 0, d, 1e-9)

	d, ok = cosineDistance([]float32{1, 0}, []float32{0, 1})
	require.True(t, ok)
	require.InDelta(t, 1, d, 1e-9)

	_, ok = cosineDistance([]float32{0, 0}, []float32{1, 0})
	require.False(t, ok)
}

func TestFilterMatches(t *testing.T) {
	meta := map[string]any{"is_active": true, "version": 2}
	require.True(t, Filter{}.matches(meta))
	require.True(t, Filter{Metadata: map[string]any{"version": float64(2)}}.matches(meta))
	require.False(t, Filter{Metadata: map[string]any{"is_active": false}}.matches(meta))
	require.False(t, Filter{Metadata: map[string]any{"sku": "A"}}.matches(meta))
}
