package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/aws"
)

const (
	gatewayOrderIndex = "toss_order_id-index"
	statusIndex       = "status-created_at-index"
)

var (
	// ErrNotFound is returned by Update when the order item does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrStatusMismatch is returned by UpdateStatus when the expected status did not hold.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// FindByGatewayOrderID resolves the gateway-assigned order id through the
// GSI and then reads the full item consistently. Returns (nil, nil) if not found.
func (s *Store) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*Order, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(gatewayOrderIndex),
		KeyConditionExpression: awsString("toss_order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberS{Value: gatewayOrderID},
		},
		Limit: int32Ptr(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query by toss_order_id: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	id, ok := out.Items[0]["id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("query by toss_order_id: index item has no id")
	}
	return s.Get(ctx, id.Value)
}

// Get fetches an order by internal id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(id),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// Update applies a partial write to an existing order. There is no guard on
// the prior status: concurrent confirmations are last-writer-wins and rely
// on the gateway's idempotency for the charge itself.
func (s *Store) Update(ctx context.Context, id string, u Update) error {
	now := s.nowFunc().UTC()
	names := map[string]string{"#ua": "updated_at"}
	values := map[string]types.AttributeValue{
		":ua": &types.AttributeValueMemberS{Value: FormatTime(now)},
	}
	sets := []string{"#ua = :ua"}

	add := func(attr string, v types.AttributeValue) {
		names["#"+attr] = attr
		values[":"+attr] = v
		sets = append(sets, fmt.Sprintf("#%s = :%s", attr, attr))
	}
	addString := func(attr string, v *string) {
		if v != nil {
			add(attr, &types.AttributeValueMemberS{Value: *v})
		}
	}

	if u.Status != "" {
		add("status", &types.AttributeValueMemberS{Value: u.Status})
	}
	addString("payment_key", u.PaymentKey)
	addString("payment_method", u.PaymentMethod)
	addString("confirmed_at", u.ConfirmedAt)
	if u.FailedAt != nil {
		add("failed_at", &types.AttributeValueMemberS{Value: FormatTime(*u.FailedAt)})
	}
	addString("failure_code", u.FailureCode)
	addString("failure_message", u.FailureMessage)

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       orderKey(id),
		UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       awsString("attribute_exists(id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrNotFound
		}
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *Store) UpdateStatus(ctx context.Context, id, expectedStatus, newStatus string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(id),
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":ua":       &types.AttributeValueMemberS{Value: FormatTime(now)},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
		},
		ConditionExpression: awsString("#s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// ListByStatusBefore pages through the status GSI for orders in status
// created strictly before the cutoff. The sort key is compared as a string,
// so the cutoff uses the same fixed-width layout as stored items.
func (s *Store) ListByStatusBefore(ctx context.Context, status string, before time.Time) ([]Order, error) {
	var (
		result   []Order
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              awsString(statusIndex),
			KeyConditionExpression: awsString("#s = :status AND created_at < :before"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: status},
				":before": &types.AttributeValueMemberS{Value: FormatTime(before)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query by status: %w", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return result, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// ExpireStale moves pending orders created before the cutoff to expired.
// Orders that changed status in the meantime are skipped.
func (s *Store) ExpireStale(ctx context.Context, before time.Time) (int, error) {
	stale, err := s.ListByStatusBefore(ctx, StatusPending, before)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range stale {
		err := s.UpdateStatus(ctx, o.ID, StatusPending, StatusExpired)
		if errors.Is(err, ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire order %s: %w", o.ID, err)
		}
		expired++
	}
	return expired, nil
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func awsString(s string) *string { return &s }
func boolPtr(b bool) *bool { return &b }
func int32Ptr(n int32) *int32 { return &n }
