package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vetalok777/instaAgent/internal/correlation"
)

const (
	skPending = "PENDING"

	// pendingRetention is how long DynamoDB keeps a share nobody took, e.g.
	// after the recording instance died.
	pendingRetention = time.Hour
)

func pendingPK(tenantID, senderID string) string {
	return "PENDING#" + tenantID + "#" + senderID
}

// PutPending stores the share a sender is waiting to follow up, replacing
// any earlier one, and returns the replaced share. expiresAt bounds when a
// text may still consume it.
func (c *Client) PutPending(ctx context.Context, p correlation.Pending, expiresAt time.Time) (correlation.Pending, bool, error) {
	item := keyOf(pendingPK(p.TenantID, p.SenderID), skPending)
	item["tenantId"] = &types.AttributeValueMemberS{Value: p.TenantID}
	item["senderId"] = &types.AttributeValueMemberS{Value: p.SenderID}
	item["pageId"] = &types.AttributeValueMemberS{Value: p.PageID}
	item["objectId"] = &types.AttributeValueMemberS{Value: p.ObjectID}
	item["messageId"] = &types.AttributeValueMemberS{Value: p.MessageID}
	item["createdAt"] = &types.AttributeValueMemberS{Value: p.CreatedAt.UTC().Format(time.RFC3339Nano)}
	item["expiresAtMs"] = numAttr(expiresAt.UnixMilli())
	item["ttl"] = numAttr(expiresAt.Add(pendingRetention).Unix())

	out, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:    &c.tableName,
		Item:         item,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return correlation.Pending{}, false, fmt.Errorf("repository: PutPending: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return correlation.Pending{}, false, nil
	}
	old, err := itemToPending(out.Attributes)
	if err != nil {
		return correlation.Pending{}, false, fmt.Errorf("repository: PutPending: %w", err)
	}
	if old.MessageID == p.MessageID {
		return correlation.Pending{}, false, nil
	}
	return old, true, nil
}

// TakePending deletes the sender's pending share and returns it. The delete
// is conditional, so of two concurrent takers only one gets the share. With
// a messageID only that share is taken; without one only a share whose
// window is still open.
func (c *Client) TakePending(ctx context.Context, key correlation.Key, messageID string) (correlation.Pending, bool, error) {
	cond := "attribute_exists(PK)"
	values := map[string]types.AttributeValue{}
	if messageID != "" {
		cond += " AND messageId = :mid"
		values[":mid"] = &types.AttributeValueMemberS{Value: messageID}
	} else {
		cond += " AND expiresAtMs > :now"
		values[":now"] = numAttr(c.now().UnixMilli())
	}
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 &c.tableName,
		Key:                       keyOf(pendingPK(key.TenantID, key.SenderID), skPending),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailure(err) {
			return correlation.Pending{}, false, nil
		}
		return correlation.Pending{}, false, fmt.Errorf("repository: TakePending: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return correlation.Pending{}, false, nil
	}
	p, err := itemToPending(out.Attributes)
	if err != nil {
		return correlation.Pending{}, false, fmt.Errorf("repository: TakePending: %w", err)
	}
	return p, true, nil
}

func itemToPending(item map[string]types.AttributeValue) (correlation.Pending, error) {
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return correlation.Pending{}, err
	}
	senderID, err := strAttr(item, "senderId")
	if err != nil {
		return correlation.Pending{}, err
	}
	messageID, err := strAttr(item, "messageId")
	if err != nil {
		return correlation.Pending{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return correlation.Pending{}, err
	}
	return correlation.Pending{
		Key:       correlation.Key{TenantID: tenantID, SenderID: senderID},
		PageID:    optStrAttr(item, "pageId"),
		ObjectID:  optStrAttr(item, "objectId"),
		MessageID: messageID,
		CreatedAt: created,
	}, nil
}
