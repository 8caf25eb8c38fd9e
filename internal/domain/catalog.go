package domain

import "time"

type CatalogItem struct {
	TenantID    string
	SKU         string
	Name        string
	Description string
	Price       float64
	Quantity    int
	DocVersion  int
	UpdatedAt   time.Time
}

// PostLink ties an Instagram post or reel to a catalog item.
type PostLink struct {
	TenantID string
	PostID   string
	SKU      string
}

// SharedObject is what a user shared into the conversation, resolved to the
// catalog item it advertises.
type SharedObject struct {
	ID          string
	SKU         string
	Name        string
	Description string
	Price       float64
	InStock     bool
}
