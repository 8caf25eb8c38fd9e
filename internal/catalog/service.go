package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vetalok777/instaAgent/internal/domain"
)

var (
	ErrInvalid  = errors.New("catalog: invalid input")
	ErrNotFound = errors.New("catalog: not found")
)

type Store interface {
	GetCatalogItem(ctx context.Context, tenantID, sku string) (domain.CatalogItem, bool, error)
	PutCatalogItem(ctx context.Context, ci domain.CatalogItem) error
	DeleteCatalogItem(ctx context.Context, tenantID, sku string) error
	PutPostLink(ctx context.Context, link domain.PostLink) error
	GetPostLink(ctx context.Context, tenantID, postID string) (domain.PostLink, bool, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	Insert(ctx context.Context, chunk domain.KnowledgeChunk) error
	DeleteBySource(ctx context.Context, tenantID, sourceID string) error
	RetireSource(ctx context.Context, tenantID, sourceID string, keep []string) error
	DeleteChunks(ctx context.Context, tenantID string, ids []string) error
}

// ItemInput is the management payload for one catalog item.
type ItemInput struct {
	SKU         string  `json:"sku" validate:"required"`
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description"`
	Price       float64 `json:"price" validate:"gt=0"`
	Quantity    int     `json:"quantity" validate:"gte=0"`
}

type KnowledgeInput struct {
	SourceID string `json:"source_id" validate:"required"`
	Text     string `json:"text" validate:"required"`
}

type PostLinkInput struct {
	SKU string `json:"sku" validate:"required"`
}

// Service keeps the catalog in the state table and its searchable
// projection in the knowledge index in step.
type Service struct {
	store    Store
	embedder Embedder
	index    Index
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

func NewService(store Store, embedder Embedder, index Index, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("catalog: store must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("catalog: embedder must not be nil")
	}
	if index == nil {
		return nil, errors.New("catalog: index must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		index:    index,
		logger:   logger.With("component", "catalog"),
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

func productSource(sku string) string {
	return "sku:" + sku
}

// Sync upserts an item and replaces its knowledge chunk. The new chunk is
// written before older versions are retired, so search never goes empty.
func (s *Service) Sync(ctx context.Context, tenantID string, in ItemInput) (domain.CatalogItem, error) {
	if strings.TrimSpace(tenantID) == "" {
		return domain.CatalogItem{}, fmt.Errorf("%w: tenant id is required", ErrInvalid)
	}
	if err := s.validate.Struct(in); err != nil {
		return domain.CatalogItem{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	prev, found, err := s.store.GetCatalogItem(ctx, tenantID, in.SKU)
	if err != nil {
		return domain.CatalogItem{}, fmt.Errorf("catalog: Sync: %w", err)
	}
	version := 1
	if found {
		version = prev.DocVersion + 1
	}
	now := s.now().UTC()
	item := domain.CatalogItem{
		TenantID:    tenantID,
		SKU:         strings.TrimSpace(in.SKU),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Price:       in.Price,
		Quantity:    in.Quantity,
		DocVersion:  version,
		UpdatedAt:   now,
	}

	content := productText(item)
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return domain.CatalogItem{}, fmt.Errorf("catalog: Sync: embed: %w", err)
	}
	chunkID := s.newID()
	err = s.index.Insert(ctx, domain.KnowledgeChunk{
		ID:        chunkID,
		TenantID:  tenantID,
		SourceID:  productSource(item.SKU),
		Content:   content,
		Embedding: vec,
		Metadata: map[string]any{
			"doc_type":         "product",
			"sku":              item.SKU,
			"version":          version,
			"is_active":        true,
			"in_stock":         item.Quantity > 0,
			"updated_at_epoch": now.Unix(),
			"tenant_id":        tenantID,
		},
		CreatedAt: now,
	})
	if err != nil {
		return domain.CatalogItem{}, fmt.Errorf("catalog: Sync: index: %w", err)
	}
	if err := s.store.PutCatalogItem(ctx, item); err != nil {
		if rbErr := s.index.DeleteChunks(ctx, tenantID, []string{chunkID}); rbErr != nil {
			s.logger.Error("orphan chunk not rolled back", "tenant_id", tenantID, "sku", item.SKU, "chunk_id", chunkID, "err", rbErr)
		}
		return domain.CatalogItem{}, fmt.Errorf("catalog: Sync: %w", err)
	}
	if err := s.index.RetireSource(ctx, tenantID, productSource(item.SKU), []string{chunkID}); err != nil {
		// Stale chunks stay searchable until the next sync.
		s.logger.Warn("retire stale chunks failed", "tenant_id", tenantID, "sku", item.SKU, "err", err)
	}
	return item, nil
}

func (s *Service) Delete(ctx context.Context, tenantID, sku string) error {
	if err := s.index.DeleteBySource(ctx, tenantID, productSource(sku)); err != nil {
		return fmt.Errorf("catalog: Delete: %w", err)
	}
	if err := s.store.DeleteCatalogItem(ctx, tenantID, sku); err != nil {
		return fmt.Errorf("catalog: Delete: %w", err)
	}
	return nil
}

// UploadKnowledge indexes free text, one chunk per paragraph, and retires
// whatever the source held before. It returns the number of chunks written.
// On failure the source keeps its previous chunks: every paragraph is
// embedded before the first write, and chunks already written are removed.
func (s *Service) UploadKnowledge(ctx context.Context, tenantID string, in KnowledgeInput) (int, error) {
	if err := s.validate.Struct(in); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	paragraphs := Paragraphs(in.Text)
	if len(paragraphs) == 0 {
		return 0, fmt.Errorf("%w: text has no content", ErrInvalid)
	}
	vectors := make([][]float32, len(paragraphs))
	for i, p := range paragraphs {
		vec, err := s.embedder.Embed(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("catalog: UploadKnowledge: embed paragraph %d: %w", i, err)
		}
		vectors[i] = vec
	}

	now := s.now().UTC()
	keep := make([]string, 0, len(paragraphs))
	for i, p := range paragraphs {
		id := s.newID()
		err := s.index.Insert(ctx, domain.KnowledgeChunk{
			ID:        id,
			TenantID:  tenantID,
			SourceID:  in.SourceID,
			Content:   p,
			Embedding: vectors[i],
			Metadata: map[string]any{
				"doc_type":         "document",
				"source":           in.SourceID,
				"is_active":        true,
				"updated_at_epoch": now.Unix(),
				"tenant_id":        tenantID,
			},
			CreatedAt: now,
		})
		if err != nil {
			if len(keep) > 0 {
				if rbErr := s.index.DeleteChunks(ctx, tenantID, keep); rbErr != nil {
					s.logger.Error("partial upload not rolled back", "tenant_id", tenantID, "source", in.SourceID, "chunks", keep, "err", rbErr)
				}
			}
			return 0, fmt.Errorf("catalog: UploadKnowledge: index paragraph %d: %w", i, err)
		}
		keep = append(keep, id)
	}
	if err := s.index.RetireSource(ctx, tenantID, in.SourceID, keep); err != nil {
		s.logger.Warn("retire stale chunks failed", "tenant_id", tenantID, "source", in.SourceID, "err", err)
	}
	return len(keep), nil
}

func (s *Service) LinkPost(ctx context.Context, tenantID, postID string, in PostLinkInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(postID) == "" {
		return fmt.Errorf("%w: post id is required", ErrInvalid)
	}
	_, found, err := s.store.GetCatalogItem(ctx, tenantID, in.SKU)
	if err != nil {
		return fmt.Errorf("catalog: LinkPost: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: sku %q", ErrNotFound, in.SKU)
	}
	if err := s.store.PutPostLink(ctx, domain.PostLink{TenantID: tenantID, PostID: postID, SKU: in.SKU}); err != nil {
		return fmt.Errorf("catalog: LinkPost: %w", err)
	}
	return nil
}

// Resolve maps a shared post or reel to the catalog item it advertises.
// Objects without a link, or linked to a deleted item, are unknown.
func (s *Service) Resolve(ctx context.Context, tenantID, objectID string) (domain.SharedObject, bool, error) {
	if strings.TrimSpace(objectID) == "" {
		return domain.SharedObject{}, false, nil
	}
	link, found, err := s.store.GetPostLink(ctx, tenantID, objectID)
	if err != nil {
		return domain.SharedObject{}, false, fmt.Errorf("catalog: Resolve: %w", err)
	}
	if !found {
		return domain.SharedObject{}, false, nil
	}
	item, found, err := s.store.GetCatalogItem(ctx, tenantID, link.SKU)
	if err != nil {
		return domain.SharedObject{}, false, fmt.Errorf("catalog: Resolve: %w", err)
	}
	if !found {
		return domain.SharedObject{}, false, nil
	}
	return domain.SharedObject{
		ID:          objectID,
		SKU:         item.SKU,
		Name:        item.Name,
		Description: item.Description,
		Price:       item.Price,
		InStock:     item.Quantity > 0,
	}, true, nil
}

func productText(item domain.CatalogItem) string {
	availability := "out of stock"
	if item.Quantity > 0 {
		availability = "in stock (" + strconv.Itoa(item.Quantity) + " available)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s (SKU %s)\n", item.Name, item.SKU)
	fmt.Fprintf(&b, "Price: %s\n", strconv.FormatFloat(item.Price, 'f', 2, 64))
	fmt.Fprintf(&b, "Availability: %s", availability)
	if item.Description != "" {
		b.WriteString("\n")
		b.WriteString(item.Description)
	}
	return b.String()
}

// Paragraphs splits text on blank lines and drops empty paragraphs.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	var cur []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			out = append(out, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}
