package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vetalok777/instaAgent/internal/catalog"
	"github.com/vetalok777/instaAgent/internal/domain"
	"github.com/vetalok777/instaAgent/internal/tenant"
)

type CatalogService interface {
	Sync(ctx context.Context, tenantID string, in catalog.ItemInput) (domain.CatalogItem, error)
	Delete(ctx context.Context, tenantID, sku string) error
	UploadKnowledge(ctx context.Context, tenantID string, in catalog.KnowledgeInput) (int, error)
	LinkPost(ctx context.Context, tenantID, postID string, in catalog.PostLinkInput) error
}

type TenantProvisioner interface {
	Provision(ctx context.Context, in tenant.Input) (domain.Tenant, error)
}

type ManagementConfig struct {
	Token   string
	Catalog CatalogService
	Tenants TenantProvisioner
}

func (m ManagementConfig) enabled() bool {
	return m.Token != "" && m.Catalog != nil && m.Tenants != nil
}

type catalogItemResponse struct {
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Quantity    int       `json:"quantity"`
	DocVersion  int       `json:"doc_version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type tenantResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	PageID          string   `json:"page_id"`
	KnowledgeStores []string `json:"knowledge_stores"`
	CompletionModel string   `json:"completion_model,omitempty"`
}

type managementRoutes struct {
	catalog CatalogService
	tenants TenantProvisioner
	logger  *slog.Logger
}

func (m ManagementConfig) mount(g *gin.RouterGroup, logger *slog.Logger) {
	h := &managementRoutes{catalog: m.Catalog, tenants: m.Tenants, logger: logger.With("component", "management")}
	t := g.Group("/tenants/:tenant", bearerAuth(m.Token))
	t.PUT("", h.putTenant)
	t.PUT("/catalog/:sku", h.putCatalogItem)
	t.DELETE("/catalog/:sku", h.deleteCatalogItem)
	t.POST("/knowledge", h.postKnowledge)
	t.PUT("/posts/:post", h.putPostLink)
}

func bearerAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing or invalid bearer token", Code: "UNAUTHORIZED"})
			return
		}
		c.Next()
	}
}

func (h *managementRoutes) putTenant(c *gin.Context) {
	var in tenant.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	in.ID = c.Param("tenant")
	t, err := h.tenants.Provision(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "provision tenant", err)
		return
	}
	c.JSON(http.StatusOK, tenantResponse{
		ID:              t.ID,
		Name:            t.Name,
		PageID:          t.PageID,
		KnowledgeStores: t.KnowledgeStores,
		CompletionModel: t.CompletionModel,
	})
}

func (h *managementRoutes) putCatalogItem(c *gin.Context) {
	var in catalog.ItemInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	in.SKU = c.Param("sku")
	item, err := h.catalog.Sync(c.Request.Context(), c.Param("tenant"), in)
	if err != nil {
		h.fail(c, "sync catalog item", err)
		return
	}
	c.JSON(http.StatusOK, catalogItemResponse{
		SKU:         item.SKU,
		Name:        item.Name,
		Description: item.Description,
		Price:       item.Price,
		Quantity:    item.Quantity,
		DocVersion:  item.DocVersion,
		UpdatedAt:   item.UpdatedAt,
	})
}

func (h *managementRoutes) deleteCatalogItem(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), c.Param("tenant"), c.Param("sku")); err != nil {
		h.fail(c, "delete catalog item", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *managementRoutes) postKnowledge(c *gin.Context) {
	var in catalog.KnowledgeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	n, err := h.catalog.UploadKnowledge(c.Request.Context(), c.Param("tenant"), in)
	if err != nil {
		h.fail(c, "upload knowledge", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"source_id": in.SourceID, "chunks": n})
}

func (h *managementRoutes) putPostLink(c *gin.Context) {
	var in catalog.PostLinkInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.catalog.LinkPost(c.Request.Context(), c.Param("tenant"), c.Param("post"), in); err != nil {
		h.fail(c, "link post", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *managementRoutes) badRequest(c *gin.Context, err error) {
	h.logger.Warn("invalid request body", "path", c.FullPath(), "err", err)
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
}

func (h *managementRoutes) fail(c *gin.Context, op string, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, catalog.ErrInvalid), errors.Is(err, tenant.ErrInvalid):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, catalog.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, tenant.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" failed", "tenant_id", c.Param("tenant"), "err", err)
		c.JSON(status, ErrorResponse{Error: op + " failed", Code: code})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
