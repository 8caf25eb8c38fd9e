package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vetalok777/instaAgent/internal/domain"
	"github.com/vetalok777/instaAgent/internal/knowledge"
)

const (
	defaultTopK = 3

	contextHeader = "### Knowledge Base Context (Source of Truth) ###"
	contextRules  = "Answer factual questions using only the information in this block. " +
		"Never invent facts that are not stated here."
	contextFooter    = "### End of Context ###"
	contextSeparator = "\n---\n"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	NearestNeighbors(ctx context.Context, tenantID string, vector []float32, k int, filter knowledge.Filter) ([]domain.ScoredChunk, error)
}

// Retriever turns the current user message into a grounding block built
// from the tenant's nearest knowledge chunks.
type Retriever struct {
	embedder Embedder
	index    Searcher
	topK     int
}

func NewRetriever(embedder Embedder, index Searcher, topK int) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, errors.New("rag: index must not be nil")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Retriever{embedder: embedder, index: index, topK: topK}, nil
}

// Ground returns the grounding block for text, or "" when the index has no
// active chunk for the tenant. Embedding and search failures are returned.
func (r *Retriever) Ground(ctx context.Context, tenantID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("rag: embed query: %w", err)
	}
	hits, err := r.index.NearestNeighbors(ctx, tenantID, vec, r.topK, knowledge.ActiveOnly())
	if err != nil {
		return "", fmt.Errorf("rag: nearest neighbors: %w", err)
	}
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		if c := strings.TrimSpace(h.Chunk.Content); c != "" {
			texts = append(texts, c)
		}
	}
	return FormatContext(texts), nil
}

// FormatContext wraps chunk texts in the grounding preamble. It returns ""
// for no chunks so an empty block is never sent.
func FormatContext(chunks []string) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(contextHeader)
	sb.WriteString("\n")
	sb.WriteString(contextRules)
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(chunks, contextSeparator))
	sb.WriteString("\n")
	sb.WriteString(contextFooter)
	return sb.String()
}
