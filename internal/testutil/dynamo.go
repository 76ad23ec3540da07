// Package testutil holds in-memory fakes shared by the package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// FakeDynamo is a small in-memory DynamoDB supporting the expression subset
// the stores emit: SET updates including "a = a + :n", AND-joined
// conditions built from =, <>, <, attribute_exists and attribute_not_exists,
// and key-condition queries that
// are evaluated as filters over the whole table.
// NOTE: this is intentionally minimal and not production-grade.
type FakeDynamo struct {
	mu       sync.Mutex
	keys     map[string]string
	tables   map[string]map[string]map[string]types.AttributeValue
	calls    map[string]int
	failNext map[string]error
}

func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		keys:     map[string]string{},
		tables:   map[string]map[string]map[string]types.AttributeValue{},
		calls:    map[string]int{},
		failNext: map[string]error{},
	}
}

// DefineTable registers a table and its partition key attribute.
func (f *FakeDynamo) DefineTable(name, pk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = pk
	if _, ok := f.tables[name]; !ok {
		f.tables[name] = map[string]map[string]types.AttributeValue{}
	}
}

// Seed marshals v with attributevalue and stores it in table.
func (f *FakeDynamo) Seed(table string, v interface{}) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, err := f.pkOf(table, item)
	if err != nil {
		return err
	}
	f.tables[table][pk] = item
	return nil
}

// Item returns a copy of the stored item, or nil.
func (f *FakeDynamo) Item(table, pk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Load unmarshals a stored item into out and reports whether it existed.
func (f *FakeDynamo) Load(table, pk string, out interface{}) (bool, error) {
	item := f.Item(table, pk)
	if item == nil {
		return false, nil
	}
	return true, attributevalue.UnmarshalMap(item, out)
}

// Count returns the number of items in table.
func (f *FakeDynamo) Count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

// Calls returns how many times op (e.g. "PutItem") was invoked.
func (f *FakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FailNext makes the next call to op return err.
func (f *FakeDynamo) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

func (f *FakeDynamo) enter(op string) error {
	f.calls[op]++
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *FakeDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pk, err := f.pkOf(table, params.Item)
	if err != nil {
		return nil, err
	}
	existing := f.tables[table][pk]
	if params.ConditionExpression != nil {
		ok, err := evalCondition(*params.ConditionExpression, existing, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conditionalFailed()
		}
	}
	f.tables[table][pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pk, err := f.pkOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pk, err := f.pkOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	existing := f.tables[table][pk]
	if params.ConditionExpression != nil {
		ok, err := evalCondition(*params.ConditionExpression, existing, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conditionalFailed()
		}
	}
	item := copyItem(existing)
	if item == nil {
		item = copyItem(params.Key)
	}
	if params.UpdateExpression != nil {
		if err := applySet(*params.UpdateExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	f.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

// Query ignores IndexName and evaluates the key condition as a filter over
// the table; results are ordered by partition key for determinism.
func (f *FakeDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	table := *params.TableName
	pks := make([]string, 0, len(f.tables[table]))
	for pk := range f.tables[table] {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	var items []map[string]types.AttributeValue
	for _, pk := range pks {
		item := f.tables[table][pk]
		ok, err := evalCondition(*params.KeyConditionExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		items = append(items, copyItem(item))
		if params.Limit != nil && int32(len(items)) >= *params.Limit {
			break
		}
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *FakeDynamo) pkOf(table string, item map[string]types.AttributeValue) (string, error) {
	keyName, ok := f.keys[table]
	if !ok {
		return "", fmt.Errorf("fake dynamo: unknown table %q", table)
	}
	v, ok := item[keyName].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("fake dynamo: item has no string key %q", keyName)
	}
	return v.Value, nil
}

func conditionalFailed() error {
	msg := "The conditional request failed"
	return &types.ConditionalCheckFailedException{Message: &msg}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func resolveName(tok string, names map[string]string) string {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

func applySet(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("fake dynamo: unsupported update expression %q", expr)
	}
	for _, clause := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("fake dynamo: bad SET clause %q", clause)
		}
		rhs := strings.TrimSpace(parts[1])
		if operand, inc, ok := strings.Cut(rhs, " + "); ok {
			sum, err := addNumbers(item[resolveName(operand, names)], values[strings.TrimSpace(inc)])
			if err != nil {
				return fmt.Errorf("fake dynamo: %q: %w", clause, err)
			}
			item[resolveName(parts[0], names)] = sum
			continue
		}
		v, ok := values[rhs]
		if !ok {
			return fmt.Errorf("fake dynamo: missing value %q", parts[1])
		}
		item[resolveName(parts[0], names)] = v
	}
	return nil
}

// addNumbers evaluates "a + b" for two N attributes.
func addNumbers(a, b types.AttributeValue) (types.AttributeValue, error) {
	x, ok := a.(*types.AttributeValueMemberN)
	if !ok {
		return nil, errors.New("left operand is not a number")
	}
	y, ok := b.(*types.AttributeValueMemberN)
	if !ok {
		return nil, errors.New("right operand is not a number")
	}
	i, err := strconv.ParseInt(x.Value, 10, 64)
	if err != nil {
		return nil, err
	}
	j, err := strconv.ParseInt(y.Value, 10, 64)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(i+j, 10)}, nil
}

func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_exists("):
			name := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if _, ok := item[name]; !ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_not_exists("):
			name := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if _, ok := item[name]; ok {
				return false, nil
			}
		default:
			ok, err := evalComparison(clause, item, names, values)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func evalComparison(clause string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, op := range []string{"<>", "<", "="} {
		idx := strings.Index(clause, " "+op+" ")
		if idx < 0 {
			continue
		}
		name := resolveName(clause[:idx], names)
		want, ok := values[strings.TrimSpace(clause[idx+len(op)+2:])]
		if !ok {
			return false, fmt.Errorf("fake dynamo: missing value in %q", clause)
		}
		got, present := item[name]
		if !present {
			return op == "<>", nil
		}
		cmp, err := compare(got, want)
		if err != nil {
			return false, err
		}
		switch op {
		case "=":
			return cmp == 0, nil
		case "<>":
			return cmp != 0, nil
		default:
			return cmp < 0, nil
		}
	}
	return false, fmt.Errorf("fake dynamo: unsupported condition %q", clause)
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, errors.New("fake dynamo: type mismatch")
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, errors.New("fake dynamo: type mismatch")
		}
		x, err := strconv.ParseFloat(av.Value, 64)
		if err != nil {
			return 0, err
		}
		y, err := strconv.ParseFloat(bv.Value, 64)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("fake dynamo: unsupported attribute type %T", a)
}
