package domain

import "time"

// KnowledgeChunk is a retrievable unit of grounding text for one tenant.
// SourceID groups the chunks produced from one catalog item or document so
// they can be superseded together.
type KnowledgeChunk struct {
	ID        string
	TenantID  string
	SourceID  string
	Content   string
	Embedding []float32
	Metadata  map[string]any
	CreatedAt time.Time
}

// ScoredChunk is a nearest-neighbor hit. Distance is the cosine distance to
// the query vector, smaller is closer.
type ScoredChunk struct {
	Chunk    KnowledgeChunk
	Distance float64
}
