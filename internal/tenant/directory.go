package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vetalok777/instaAgent/internal/domain"
	"github.com/vetalok777/instaAgent/internal/repository"
)

const defaultTTL = 5 * time.Minute

var (
	// ErrInvalid wraps validation failures of provisioning input.
	ErrInvalid = errors.New("tenant: invalid input")
	// ErrConflict is returned when the page is routed to another tenant.
	ErrConflict = errors.New("tenant: page belongs to another tenant")
)

type Store interface {
	GetTenantByPage(ctx context.Context, pageID string) (domain.Tenant, bool, error)
	PutTenant(ctx context.Context, t domain.Tenant) error
}

type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// Input is the provisioning payload of a tenant.
type Input struct {
	ID               string   `json:"id" validate:"required"`
	Name             string   `json:"name"`
	PageID           string   `json:"page_id" validate:"required"`
	SystemPrompt     string   `json:"system_prompt" validate:"required"`
	AccessTokenParam string   `json:"access_token_param" validate:"required"`
	KnowledgeStores  []string `json:"knowledge_stores" validate:"omitempty,dive,required"`
	CompletionModel  string   `json:"completion_model"`
}

type cached struct {
	tenant  domain.Tenant
	found   bool
	expires time.Time
}

// Directory routes an Instagram page id to its tenant. Lookups, including
// misses, are cached for ttl.
type Directory struct {
	store    Store
	tokens   TokenSource
	ttl      time.Duration
	now      func() time.Time
	validate *validator.Validate

	mu    sync.Mutex
	cache map[string]cached
}

func NewDirectory(store Store, tokens TokenSource, ttl time.Duration) (*Directory, error) {
	if store == nil {
		return nil, errors.New("tenant: store must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("tenant: token source must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Directory{
		store:    store,
		tokens:   tokens,
		ttl:      ttl,
		now:      time.Now,
		validate: validator.New(),
		cache:    make(map[string]cached),
	}, nil
}

func (d *Directory) Resolve(ctx context.Context, pageID string) (domain.Tenant, bool, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return domain.Tenant{}, false, nil
	}
	now := d.now()

	d.mu.Lock()
	c, ok := d.cache[pageID]
	d.mu.Unlock()
	if ok && now.Before(c.expires) {
		return c.tenant, c.found, nil
	}

	t, found, err := d.store.GetTenantByPage(ctx, pageID)
	if err != nil {
		return domain.Tenant{}, false, fmt.Errorf("tenant: resolve %q: %w", pageID, err)
	}
	d.mu.Lock()
	d.cache[pageID] = cached{tenant: t, found: found, expires: now.Add(d.ttl)}
	d.mu.Unlock()
	return t, found, nil
}

// AccessToken returns the page access token used to reply on behalf of t.
func (d *Directory) AccessToken(ctx context.Context, t domain.Tenant) (string, error) {
	if strings.TrimSpace(t.AccessTokenParam) == "" {
		return "", fmt.Errorf("tenant: %s has no access token parameter", t.ID)
	}
	tok, err := d.tokens.Token(ctx, t.AccessTokenParam)
	if err != nil {
		return "", fmt.Errorf("tenant: access token for %s: %w", t.ID, err)
	}
	return tok, nil
}

// Provision validates and stores a tenant, then drops every cached lookup
// of its pages, old and new.
func (d *Directory) Provision(ctx context.Context, in Input) (domain.Tenant, error) {
	if err := d.validate.Struct(in); err != nil {
		return domain.Tenant{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	t := domain.Tenant{
		ID:               strings.TrimSpace(in.ID),
		Name:             in.Name,
		PageID:           strings.TrimSpace(in.PageID),
		SystemPrompt:     in.SystemPrompt,
		AccessTokenParam: strings.TrimSpace(in.AccessTokenParam),
		KnowledgeStores:  in.KnowledgeStores,
		CompletionModel:  in.CompletionModel,
	}
	if err := d.store.PutTenant(ctx, t); err != nil {
		if errors.Is(err, repository.ErrPageTaken) {
			return domain.Tenant{}, fmt.Errorf("%w: page %s", ErrConflict, t.PageID)
		}
		return domain.Tenant{}, err
	}
	d.mu.Lock()
	for page, c := range d.cache {
		if c.found && c.tenant.ID == t.ID {
			delete(d.cache, page)
		}
	}
	d.mu.Unlock()
	d.Invalidate(t.PageID)
	return t, nil
}

func (d *Directory) Invalidate(pageID string) {
	d.mu.Lock()
	delete(d.cache, pageID)
	d.mu.Unlock()
}
