package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vetalok777/instaAgent/internal/domain"
)

func (c *Client) GetCatalogItem(ctx context.Context, tenantID, sku string) (domain.CatalogItem, bool, error) {
	item, err := c.getItem(ctx, tenantPK(tenantID), skPrefixSKU+sku)
	if err != nil {
		return domain.CatalogItem{}, false, fmt.Errorf("repository: GetCatalogItem: %w", err)
	}
	if item == nil {
		return domain.CatalogItem{}, false, nil
	}
	ci, err := itemToCatalogItem(item)
	if err != nil {
		return domain.CatalogItem{}, false, fmt.Errorf("repository: GetCatalogItem: %w", err)
	}
	return ci, true, nil
}

func (c *Client) PutCatalogItem(ctx context.Context, ci domain.CatalogItem) error {
	if strings.TrimSpace(ci.TenantID) == "" || strings.TrimSpace(ci.SKU) == "" {
		return errors.New("repository: PutCatalogItem: tenant and sku are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &c.tableName,
		Item:      catalogItem(ci),
	})
	if err != nil {
		return fmt.Errorf("repository: PutCatalogItem: %w", err)
	}
	return nil
}

func (c *Client) DeleteCatalogItem(ctx context.Context, tenantID, sku string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &c.tableName,
		Key:       keyOf(tenantPK(tenantID), skPrefixSKU+sku),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteCatalogItem: %w", err)
	}
	return nil
}

func (c *Client) PutPostLink(ctx context.Context, link domain.PostLink) error {
	if strings.TrimSpace(link.TenantID) == "" || strings.TrimSpace(link.PostID) == "" {
		return errors.New("repository: PutPostLink: tenant and post id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &c.tableName,
		Item: map[string]types.AttributeValue{
			"PK":       &types.AttributeValueMemberS{Value: tenantPK(link.TenantID)},
			"SK":       &types.AttributeValueMemberS{Value: skPrefixPost + link.PostID},
			"tenantId": &types.AttributeValueMemberS{Value: link.TenantID},
			"postId":   &types.AttributeValueMemberS{Value: link.PostID},
			"sku":      &types.AttributeValueMemberS{Value: link.SKU},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutPostLink: %w", err)
	}
	return nil
}

func (c *Client) GetPostLink(ctx context.Context, tenantID, postID string) (domain.PostLink, bool, error) {
	item, err := c.getItem(ctx, tenantPK(tenantID), skPrefixPost+postID)
	if err != nil {
		return domain.PostLink{}, false, fmt.Errorf("repository: GetPostLink: %w", err)
	}
	if item == nil {
		return domain.PostLink{}, false, nil
	}
	sku, err := strAttr(item, "sku")
	if err != nil {
		return domain.PostLink{}, false, fmt.Errorf("repository: GetPostLink: %w", err)
	}
	return domain.PostLink{TenantID: tenantID, PostID: postID, SKU: sku}, true, nil
}

func catalogItem(ci domain.CatalogItem) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: tenantPK(ci.TenantID)},
		"SK":          &types.AttributeValueMemberS{Value: skPrefixSKU + ci.SKU},
		"tenantId":    &types.AttributeValueMemberS{Value: ci.TenantID},
		"sku":         &types.AttributeValueMemberS{Value: ci.SKU},
		"name":        &types.AttributeValueMemberS{Value: ci.Name},
		"description": &types.AttributeValueMemberS{Value: ci.Description},
		"price":       &types.AttributeValueMemberN{Value: strconv.FormatFloat(ci.Price, 'f', -1, 64)},
		"quantity":    numAttr(int64(ci.Quantity)),
		"docVersion":  numAttr(int64(ci.DocVersion)),
		"updatedAt":   &types.AttributeValueMemberS{Value: ci.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToCatalogItem(item map[string]types.AttributeValue) (domain.CatalogItem, error) {
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.CatalogItem{}, err
	}
	sku, err := strAttr(item, "sku")
	if err != nil {
		return domain.CatalogItem{}, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.CatalogItem{}, err
	}
	price, err := floatAttr(item, "price")
	if err != nil {
		return domain.CatalogItem{}, err
	}
	qty, err := intAttr(item, "quantity")
	if err != nil {
		return domain.CatalogItem{}, err
	}
	version, err := intAttr(item, "docVersion")
	if err != nil {
		return domain.CatalogItem{}, err
	}
	updated, _ := timeAttr(item, "updatedAt") // allow missing
	return domain.CatalogItem{
		TenantID:    tenantID,
		SKU:         sku,
		Name:        name,
		Description: optStrAttr(item, "description"),
		Price:       price,
		Quantity:    qty,
		DocVersion:  version,
		UpdatedAt:   updated,
	}, nil
}
