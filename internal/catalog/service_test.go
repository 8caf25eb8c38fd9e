package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vetalok777/instaAgent/internal/domain"
	"github.com/vetalok777/instaAgent/internal/knowledge"
)

type fakeStore struct {
	items  map[string]domain.CatalogItem
	links  map[string]domain.PostLink
	err    error
	putErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]domain.CatalogItem{}, links: map[string]domain.PostLink{}}
}

func (f *fakeStore) GetCatalogItem(_ context.Context, tenantID, sku string) (domain.CatalogItem, bool, error) {
	if f.err != nil {
		return domain.CatalogItem{}, false, f.err
	}
	ci, ok := f.items[tenantID+"/"+sku]
	return ci, ok, nil
}

func (f *fakeStore) PutCatalogItem(_ context.Context, ci domain.CatalogItem) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.items[ci.TenantID+"/"+ci.SKU] = ci
	return nil
}

func (f *fakeStore) DeleteCatalogItem(_ context.Context, tenantID, sku string) error {
	delete(f.items, tenantID+"/"+sku)
	return nil
}

func (f *fakeStore) PutPostLink(_ context.Context, link domain.PostLink) error {
	f.links[link.TenantID+"/"+link.PostID] = link
	return nil
}

func (f *fakeStore) GetPostLink(_ context.Context, tenantID, postID string) (domain.PostLink, bool, error) {
	l, ok := f.links[tenantID+"/"+postID]
	return l, ok, nil
}

type fakeEmbedder struct {
	err   error
	calls int
	// failOn makes the n-th call (1-based) fail with err.
	failOn int
	// shortOn makes the n-th call return a vector of the wrong size.
	shortOn int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil && (f.failOn == 0 || f.failOn == f.calls) {
		return nil, f.err
	}
	if f.shortOn == f.calls {
		return []float32{1}, nil
	}
	return []float32{1, 0, 0}, nil
}

func newService(t *testing.T) (*Service, *fakeStore, *fakeEmbedder, *knowledge.MemoryIndex) {
	t.Helper()
	store := newFakeStore()
	emb := &fakeEmbedder{}
	idx := knowledge.NewMemoryIndex(3)
	svc, err := NewService(store, emb, idx, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("chunk-%d", n)
	}
	return svc, store, emb, idx
}

func activeChunks(t *testing.T, idx *knowledge.MemoryIndex, tenantID string) []domain.ScoredChunk {
	t.Helper()
	hits, err := idx.NearestNeighbors(context.Background(), tenantID, []float32{1, 0, 0}, 10, knowledge.ActiveOnly())
	require.NoError(t, err)
	return hits
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

func TestSync_BumpsVersionAndReplacesChunk(t *testing.T) {
	svc, store, _, idx := newService(t)
	ctx := context.Background()

	item, err := svc.Sync(ctx, "t1", ItemInput{SKU: "D-01", Name: "Linen dress", Price: 49.9, Quantity: 3})
	require.NoError(t, err)
	require.Equal(t, 1, item.DocVersion)

	item, err = svc.Sync(ctx, "t1", ItemInput{SKU: "D-01", Name: "Linen dress", Price: 39.9, Quantity: 0})
	require.NoError(t, err)
	require.Equal(t, 2, item.DocVersion)
	require.Equal(t, 2, store.items["t1/D-01"].DocVersion)

	hits := activeChunks(t, idx, "t1")
	require.Len(t, hits, 1)
	c := hits[0].Chunk
	require.Equal(t, "chunk-2", c.ID)
	require.Equal(t, "sku:D-01", c.SourceID)
	require.Equal(t, 2, c.Metadata["version"])
	require.Equal(t, false, c.Metadata["in_stock"])
	require.Equal(t, "product", c.Metadata["doc_type"])
	require.Contains(t, c.Content, "Price: 39.90")
	require.Contains(t, c.Content, "out of stock")
}

func TestSync_Validation(t *testing.T) {
	svc, _, emb, _ := newService(t)
	for name, in := range map[string]ItemInput{
		"missing sku":       {Name: "x", Price: 1},
		"missing name":      {SKU: "a", Price: 1},
		"zero price":        {SKU: "a", Name: "x"},
		"negative quantity": {SKU: "a", Name: "x", Price: 1, Quantity: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Sync(context.Background(), "t1", in)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
	require.Zero(t, emb.calls)
}

func TestSync_EmbedFailureLeavesStateUntouched(t *testing.T) {
	svc, store, emb, idx := newService(t)
	emb.err = errors.New("quota")
	_, err := svc.Sync(context.Background(), "t1", ItemInput{SKU: "a", Name: "x", Price: 1})
	require.ErrorContains(t, err, "quota")
	require.Empty(t, store.items)
	require.Zero(t, idx.Len("t1"))
}

func TestSync_StoreFailureRemovesNewChunk(t *testing.T) {
	svc, store, _, idx := newService(t)
	ctx := context.Background()
	_, err := svc.Sync(ctx, "t1", ItemInput{SKU: "D1", Name: "Linen dress", Price: 120, Quantity: 2})
	require.NoError(t, err)

	store.putErr = errors.New("throttled")
	_, err = svc.Sync(ctx, "t1", ItemInput{SKU: "D1", Name: "Linen dress", Price: 99, Quantity: 2})
	require.ErrorContains(t, err, "throttled")

	require.Equal(t, 1, idx.Len("t1"))
	require.Equal(t, 1, store.items["t1/D1"].DocVersion)
}

func TestDelete_RemovesItemAndChunks(t *testing.T) {
	svc, store, _, idx := newService(t)
	_, err := svc.Sync(context.Background(), "t1", ItemInput{SKU: "a", Name: "x", Price: 1})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), "t1", "a"))
	require.Empty(t, store.items)
	require.Zero(t, idx.Len("t1"))
}

// ---------------------------------------------------------------------------
// Knowledge upload
// ---------------------------------------------------------------------------

func TestUploadKnowledge_ParagraphsAndRetire(t *testing.T) {
	svc, _, _, idx := newService(t)
	ctx := context.Background()

	n, err := svc.UploadKnowledge(ctx, "t1", KnowledgeInput{SourceID: "faq", Text: "Shipping takes 3 days.\n\n\nReturns within 14 days.\r\n\r\nWe ship worldwide."})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, idx.Len("t1"))

	n, err = svc.UploadKnowledge(ctx, "t1", KnowledgeInput{SourceID: "faq", Text: "Shipping takes 2 days."})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	hits := activeChunks(t, idx, "t1")
	require.Len(t, hits, 1)
	require.Equal(t, "Shipping takes 2 days.", hits[0].Chunk.Content)
}

func TestUploadKnowledge_EmbedFailureKeepsPreviousDocument(t *testing.T) {
	svc, _, emb, idx := newService(t)
	ctx := context.Background()
	_, err := svc.UploadKnowledge(ctx, "t1", KnowledgeInput{SourceID: "faq", Text: "Shipping takes 3 days.\n\nReturns within 14 days."})
	require.NoError(t, err)

	emb.calls = 0
	emb.err = errors.New("quota exceeded")
	emb.failOn = 2
	_, err = svc.UploadKnowledge(ctx, "t1", KnowledgeInput{SourceID: "faq", Text: "Shipping takes 2 days.\n\nNo returns."})
	require.ErrorContains(t, err, "embed paragraph 1")

	contents := []string{}
	for _, h := range activeChunks(t, idx, "t1") {
		contents = append(contents, h.Chunk.Content)
	}
	require.ElementsMatch(t, []string{"Shipping takes 3 days.", "Returns within 14 days."}, contents)
}

func TestUploadKnowledge_IndexFailureRollsBackWrittenChunks(t *testing.T) {
	svc, _, emb, idx := newService(t)
	ctx := context.Background()
	_, err := svc.UploadKnowledge(ctx, "t1", KnowledgeInput{SourceID: "faq", Text: "Shipping takes 3 days."})
	require.NoError(t, err)

	emb.calls = 0
	emb.shortOn = 3
	_, err = svc.UploadKnowledge(ctx, "t1", KnowledgeInput{SourceID: "faq", Text: "A.\n\nB.\n\nC."})
	require.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
	require.ErrorContains(t, err, "index paragraph 2")

	require.Equal(t, 1, idx.Len("t1"))
	hits := activeChunks(t, idx, "t1")
	require.Len(t, hits, 1)
	require.Equal(t, "Shipping takes 3 days.", hits[0].Chunk.Content)
}

func TestUploadKnowledge_BlankText(t *testing.T) {
	svc, _, _, _ := newService(t)
	_, err := svc.UploadKnowledge(context.Background(), "t1", KnowledgeInput{SourceID: "faq", Text: "\n \n"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParagraphs(t *testing.T) {
	require.Equal(t, []string{"a\nb", "c"}, Paragraphs("a\nb\n\n  \nc\n"))
	require.Nil(t, Paragraphs(""))
}

// ---------------------------------------------------------------------------
// Post links and resolution
// ---------------------------------------------------------------------------

func TestLinkPostAndResolve(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	err := svc.LinkPost(ctx, "t1", "1789", PostLinkInput{SKU: "D-01"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Sync(ctx, "t1", ItemInput{SKU: "D-01", Name: "Linen dress", Description: "Summer cut", Price: 49.9, Quantity: 2})
	require.NoError(t, err)
	require.NoError(t, svc.LinkPost(ctx, "t1", "1789", PostLinkInput{SKU: "D-01"}))

	obj, ok, err := svc.Resolve(ctx, "t1", "1789")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.SharedObject{ID: "1789", SKU: "D-01", Name: "Linen dress", Description: "Summer cut", Price: 49.9, InStock: true}, obj)

	_, ok, err = svc.Resolve(ctx, "t1", "unknown")
	require.NoError(t, err)
	require.False(t, ok)

	// A link to a deleted item no longer resolves.
	delete(store.items, "t1/D-01")
	_, ok, err = svc.Resolve(ctx, "t1", "1789")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolve_StoreError(t *testing.T) {
	svc, store, _, _ := newService(t)
	store.links["t1/p"] = domain.PostLink{TenantID: "t1", PostID: "p", SKU: "a"}
	store.err = errors.New("throttled")
	_, _, err := svc.Resolve(context.Background(), "t1", "p")
	require.ErrorContains(t, err, "throttled")
}
