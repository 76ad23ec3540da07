package downloads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/aws"
)

var (
	// ErrTokenExists is returned when the generated token collides with an existing grant.
	ErrTokenExists = errors.New("download token already exists")
	ErrNotFound    = errors.New("download grant not found")
)

// Store persists grants in DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
	}
}

// NewGrant builds a grant with a fresh opaque token expiring GrantTTL after now.
func NewGrant(orderID, productID, recipient, recipientName string, now time.Time) Grant {
	now = now.UTC()
	return Grant{
		Token:         uuid.NewString(),
		OrderID:       orderID,
		ProductID:     productID,
		Recipient:     recipient,
		RecipientName: recipientName,
		ExpiresAt:     now.Add(GrantTTL),
		CreatedAt:     now,
	}
}

// Insert writes g; it never overwrites an existing token.
func (s *Store) Insert(ctx context.Context, g Grant) error {
	item, err := attributevalue.MarshalMap(g)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(download_token)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrTokenExists
		}
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

// Get fetches a grant by token. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, token string) (*Grant, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       grantKey(token),
	})
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var g Grant
	if err := attributevalue.UnmarshalMap(out.Item, &g); err != nil {
		return nil, fmt.Errorf("unmarshal grant: %w", err)
	}
	return &g, nil
}

// Redeem counts one download of the grant. The increment is atomic, so
// concurrent downloads are all counted.
func (s *Store) Redeem(ctx context.Context, token string, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 grantKey(token),
		UpdateExpression:    awsString("SET download_count = download_count + :one, last_downloaded_at = :at"),
		ConditionExpression: awsString("attribute_exists(download_token)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":at":  &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("redeem grant: %w", err)
	}
	return nil
}

// MarkEmailSent records when the download email went out.
func (s *Store) MarkEmailSent(ctx context.Context, token string, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:                 grantKey(token),
		UpdateExpression:    awsString("SET email_sent_at = :sent"),
		ConditionExpression: awsString("attribute_exists(download_token)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sent": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("mark email sent: %w", err)
	}
	return nil
}

func isConditionalFailure(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func grantKey(token string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"download_token": &types.AttributeValueMemberS{Value: token},
	}
}

func awsString(s string) *string { return &s }
