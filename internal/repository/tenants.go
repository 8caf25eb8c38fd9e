package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vetalok777/instaAgent/internal/domain"
)

// pageOwnerCondition lets a page record be written or removed only by the
// tenant it belongs to.
const pageOwnerCondition = "attribute_not_exists(PK) OR tenantId = :id"

// GetTenantByPage looks up the tenant that owns an Instagram page id.
func (c *Client) GetTenantByPage(ctx context.Context, pageID string) (domain.Tenant, bool, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return domain.Tenant{}, false, nil
	}
	item, err := c.getItem(ctx, pagePK(pageID), skTenant)
	if err != nil {
		return domain.Tenant{}, false, fmt.Errorf("repository: GetTenantByPage: %w", err)
	}
	if item == nil {
		return domain.Tenant{}, false, nil
	}
	t, err := itemToTenant(item)
	if err != nil {
		return domain.Tenant{}, false, fmt.Errorf("repository: GetTenantByPage: %w", err)
	}
	return t, true, nil
}

// PutTenant creates or replaces the tenant record for its page id. A page
// already routed to a different tenant is refused with ErrPageTaken. When the
// tenant moves to a new page, its previous page mapping is removed in the
// same transaction.
func (c *Client) PutTenant(ctx context.Context, t domain.Tenant) error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.PageID) == "" {
		return errors.New("repository: PutTenant: tenant id and page id are required")
	}
	owner, err := c.getItem(ctx, tenantPK(t.ID), skTenantPage)
	if err != nil {
		return fmt.Errorf("repository: PutTenant: %w", err)
	}
	ownedBy := map[string]types.AttributeValue{
		":id": &types.AttributeValueMemberS{Value: t.ID},
	}
	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:                 &c.tableName,
				Item:                      tenantItem(t),
				ConditionExpression:       aws.String(pageOwnerCondition),
				ExpressionAttributeValues: ownedBy,
			},
		},
		{
			Put: &types.Put{
				TableName: &c.tableName,
				Item: map[string]types.AttributeValue{
					"PK":       &types.AttributeValueMemberS{Value: tenantPK(t.ID)},
					"SK":       &types.AttributeValueMemberS{Value: skTenantPage},
					"tenantId": &types.AttributeValueMemberS{Value: t.ID},
					"pageId":   &types.AttributeValueMemberS{Value: t.PageID},
				},
			},
		},
	}
	if prev := optStrAttr(owner, "pageId"); prev != "" && prev != t.PageID {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                 &c.tableName,
				Key:                       keyOf(pagePK(prev), skTenant),
				ConditionExpression:       aws.String(pageOwnerCondition),
				ExpressionAttributeValues: ownedBy,
			},
		})
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			return ErrPageTaken
		}
		return fmt.Errorf("repository: PutTenant: %w", err)
	}
	return nil
}

func tenantItem(t domain.Tenant) map[string]types.AttributeValue {
	stores := make([]types.AttributeValue, 0, len(t.KnowledgeStores))
	for _, s := range t.KnowledgeStores {
		stores = append(stores, &types.AttributeValueMemberS{Value: s})
	}
	return map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: pagePK(t.PageID)},
		"SK":               &types.AttributeValueMemberS{Value: skTenant},
		"tenantId":         &types.AttributeValueMemberS{Value: t.ID},
		"name":             &types.AttributeValueMemberS{Value: t.Name},
		"pageId":           &types.AttributeValueMemberS{Value: t.PageID},
		"systemPrompt":     &types.AttributeValueMemberS{Value: t.SystemPrompt},
		"accessTokenParam": &types.AttributeValueMemberS{Value: t.AccessTokenParam},
		"completionModel":  &types.AttributeValueMemberS{Value: t.CompletionModel},
		"knowledgeStores":  &types.AttributeValueMemberL{Value: stores},
	}
}

func itemToTenant(item map[string]types.AttributeValue) (domain.Tenant, error) {
	id, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Tenant{}, err
	}
	pageID, err := strAttr(item, "pageId")
	if err != nil {
		return domain.Tenant{}, err
	}
	var stores []string
	if l, ok := item["knowledgeStores"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok && s.Value != "" {
				stores = append(stores, s.Value)
			}
		}
	}
	return domain.Tenant{
		ID:               id,
		Name:             optStrAttr(item, "name"),
		PageID:           pageID,
		SystemPrompt:     optStrAttr(item, "systemPrompt"),
		AccessTokenParam: optStrAttr(item, "accessTokenParam"),
		CompletionModel:  optStrAttr(item, "completionModel"),
		KnowledgeStores:  stores,
	}, nil
}
