package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vetalok777/instaAgent/internal/domain"
)

// MemoryIndex is an in-process cosine index. It backs local runs without a
// database and the tests of its consumers.
type MemoryIndex struct {
	mu     sync.RWMutex
	dims   int
	chunks map[string][]domain.KnowledgeChunk
}

// NewMemoryIndex creates an index. dims <= 0 fixes the dimensionality at the
// first insert.
func NewMemoryIndex(dims int) *MemoryIndex {
	return &MemoryIndex{dims: dims, chunks: make(map[string][]domain.KnowledgeChunk)}
}

func (m *MemoryIndex) Insert(_ context.Context, chunk domain.KnowledgeChunk) error {
	if chunk.ID == "" || chunk.TenantID == "" {
		return fmt.Errorf("knowledge: Insert: chunk id and tenant are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims <= 0 {
		m.dims = len(chunk.Embedding)
	}
	if len(chunk.Embedding) != m.dims {
		return fmt.Errorf("knowledge: Insert: %w: got %d, want %d", ErrDimensionMismatch, len(chunk.Embedding), m.dims)
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}
	list := m.chunks[chunk.TenantID]
	for i := range list {
		if list[i].ID == chunk.ID {
			list[i] = chunk
			return nil
		}
	}
	m.chunks[chunk.TenantID] = append(list, chunk)
	return nil
}

func (m *MemoryIndex) NearestNeighbors(_ context.Context, tenantID string, vector []float32, k int, filter Filter) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dims > 0 && len(vector) != m.dims {
		return nil, fmt.Errorf("knowledge: NearestNeighbors: %w: got %d, want %d", ErrDimensionMismatch, len(vector), m.dims)
	}

	var hits []domain.ScoredChunk
	for _, c := range m.chunks[tenantID] {
		if !filter.matches(c.Metadata) {
			continue
		}
		d, ok := cosineDistance(vector, c.Embedding)
		if !ok {
			continue
		}
		hits = append(hits, domain.ScoredChunk{Chunk: c, Distance: d})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) DeleteBySource(_ context.Context, tenantID, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[tenantID] = keepWhere(m.chunks[tenantID], func(c domain.KnowledgeChunk) bool {
		return c.SourceID != sourceID
	})
	return nil
}

// RetireSource drops every chunk of sourceID except the ids in keep.
func (m *MemoryIndex) RetireSource(_ context.Context, tenantID, sourceID string, keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[tenantID] = keepWhere(m.chunks[tenantID], func(c domain.KnowledgeChunk) bool {
		if c.SourceID != sourceID {
			return true
		}
		_, ok := keepSet[c.ID]
		return ok
	})
	return nil
}

// DeleteChunks removes the given chunk ids of a tenant.
func (m *MemoryIndex) DeleteChunks(_ context.Context, tenantID string, ids []string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[tenantID] = keepWhere(m.chunks[tenantID], func(c domain.KnowledgeChunk) bool {
		_, ok := drop[c.ID]
		return !ok
	})
	return nil
}

// Len returns the number of chunks stored for a tenant.
func (m *MemoryIndex) Len(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[tenantID])
}

func keepWhere(in []domain.KnowledgeChunk, keep func(domain.KnowledgeChunk) bool) []domain.KnowledgeChunk {
	out := in[:0]
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
