package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vetalok777/instaAgent/internal/domain"
)

const notExistsCondition = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

// ExistsByMessageID reports whether an inbound message id has already been
// claimed by a previous delivery.
func (c *Client) ExistsByMessageID(ctx context.Context, messageID string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, errors.New("repository: ExistsByMessageID: message id is required")
	}
	item, err := c.getItem(ctx, midPK(messageID), skMessageMarker)
	if err != nil {
		return false, fmt.Errorf("repository: ExistsByMessageID: %w", err)
	}
	return item != nil, nil
}

// ClaimMessageID writes the marker for a message id without an interaction.
// It returns ErrDuplicate if the id is already claimed.
func (c *Client) ClaimMessageID(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return errors.New("repository: ClaimMessageID: message id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &c.tableName,
		Item:                c.markerItem(messageID),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("repository: ClaimMessageID: %w", err)
	}
	return nil
}

// SaveInteraction appends one interaction to the conversation log. An
// interaction carrying a message id is written in the same transaction as its
// marker, so a second delivery of that id fails with ErrDuplicate.
func (c *Client) SaveInteraction(ctx context.Context, in domain.Interaction) error {
	if strings.TrimSpace(in.TenantID) == "" || strings.TrimSpace(in.SenderID) == "" {
		return errors.New("repository: SaveInteraction: tenant and sender are required")
	}
	if in.Author != domain.AuthorUser && in.Author != domain.AuthorAssistant {
		return fmt.Errorf("repository: SaveInteraction: unknown author %q", in.Author)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = c.now()
	}
	item := c.interactionItem(in)

	if in.MessageID == "" {
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           &c.tableName,
			Item:                item,
			ConditionExpression: aws.String(notExistsCondition),
		})
		if err != nil {
			return fmt.Errorf("repository: SaveInteraction: %w", err)
		}
		return nil
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &c.tableName,
					Item:                c.markerItem(in.MessageID),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &c.tableName,
					Item:                item,
					ConditionExpression: aws.String(notExistsCondition),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("repository: SaveInteraction: %w", err)
	}
	return nil
}

// FindRecent returns up to limit interactions for a sender, newest first.
func (c *Client) FindRecent(ctx context.Context, tenantID, senderID string, limit int) ([]domain.Interaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	pk := convPK(tenantID, senderID)
	prefix := skPrefixMsg
	lim := int32(limit)
	scanForward := false
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              &c.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ScanIndexForward: &scanForward,
		Limit:            &lim,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindRecent: %w", err)
	}
	if out == nil {
		return nil, nil
	}

	interactions := make([]domain.Interaction, 0, len(out.Items))
	for _, item := range out.Items {
		in, err := itemToInteraction(item)
		if err != nil {
			return nil, fmt.Errorf("repository: FindRecent: %w", err)
		}
		interactions = append(interactions, in)
	}
	return interactions, nil
}

func (c *Client) markerItem(messageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":  &types.AttributeValueMemberS{Value: midPK(messageID)},
		"SK":  &types.AttributeValueMemberS{Value: skMessageMarker},
		"ttl": numAttr(c.ttlValue()),
	}
}

func (c *Client) interactionItem(in domain.Interaction) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(in.TenantID, in.SenderID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(in.Timestamp, c.newID())},
		"tenantId":  &types.AttributeValueMemberS{Value: in.TenantID},
		"senderId":  &types.AttributeValueMemberS{Value: in.SenderID},
		"author":    &types.AttributeValueMemberS{Value: string(in.Author)},
		"text":      &types.AttributeValueMemberS{Value: in.Text},
		"timestamp": &types.AttributeValueMemberS{Value: in.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":       numAttr(c.ttlValue()),
	}
	if in.MessageID != "" {
		item["messageId"] = &types.AttributeValueMemberS{Value: in.MessageID}
	}
	return item
}

func itemToInteraction(item map[string]types.AttributeValue) (domain.Interaction, error) {
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Interaction{}, err
	}
	senderID, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Interaction{}, err
	}
	author, err := strAttr(item, "author")
	if err != nil {
		return domain.Interaction{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Interaction{}, err
	}
	ts, err := timeAttr(item, "timestamp")
	if err != nil {
		return domain.Interaction{}, err
	}
	return domain.Interaction{
		TenantID:  tenantID,
		SenderID:  senderID,
		Author:    domain.Author(author),
		Text:      text,
		Timestamp: ts,
		MessageID: optStrAttr(item, "messageId"),
	}, nil
}
