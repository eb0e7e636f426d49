package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/model"
)

// KeyOrder is the only sort field the adapter supports: the kind index is
// sorted by encoded ancestor path, so results come back in key path order.
// Use "-" + KeyOrder for descending.
const KeyOrder = "__key__"

// Query implements model.Adapter. Kind and ancestor restrictions run as key
// conditions on the kind index; filters run server-side as filter
// expressions over indexed attributes.
func (a *Adapter) Query(ctx context.Context, q model.Query, opts model.QueryOptions) (*model.QueryResult, error) {
	input, err := a.buildQuery(ctx, q, opts)
	if err != nil {
		return nil, err
	}

	result := &model.QueryResult{}
	skip := opts.Offset
	want := opts.BatchSize

	var lastConsumed map[string]types.AttributeValue
	for {
		page, err := a.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			if skip > 0 {
				skip--
				lastConsumed = item
				continue
			}

			key, props, _, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			row := model.QueryRow{Key: key}
			if !opts.KeysOnly {
				row.Data = props
			}
			result.Rows = append(result.Rows, row)
			lastConsumed = item

			if want > 0 && len(result.Rows) == want {
				result.Cursor = encodeQueryCursor(lastConsumed)
				return result, nil
			}
		}

		if page.LastEvaluatedKey == nil {
			return result, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// buildQuery translates a model query into a DynamoDB QueryInput against the
// kind index.
func (a *Adapter) buildQuery(ctx context.Context, q model.Query, opts model.QueryOptions) (*dynamodb.QueryInput, error) {
	ns := q.Namespace()
	if ns == "" {
		ns = model.NamespaceFromContext(ctx)
	}

	names := map[string]string{"#gk": attrKind}
	values := map[string]types.AttributeValue{
		":gk": &types.AttributeValueMemberS{Value: kindPartition(q.Kind(), ns)},
	}

	keyCond := "#gk = :gk"
	if anc := q.Ancestor(); anc != nil {
		if anc.Incomplete() {
			return nil, fmt.Errorf("dynamo: %w: ancestor %s", model.ErrIncompleteKey, anc)
		}
		names["#gp"] = attrPath
		values[":anc"] = &types.AttributeValueMemberS{Value: pathString(anc)}
		keyCond += " AND begins_with(#gp, :anc)"
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(a.config.Table),
		IndexName:              aws.String(a.config.KindIndex),
		KeyConditionExpression: aws.String(keyCond),
	}

	var filters []string
	for i, f := range q.Filters() {
		nameKey := fmt.Sprintf("#f%d", i)
		valueKey := fmt.Sprintf(":f%d", i)
		names[nameKey] = f.Name

		av, err := encodeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("dynamo: filter on %q: %w", f.Name, err)
		}
		values[valueKey] = av

		// Equality on the class chain means membership, not list equality.
		if f.Name == model.KindsField && f.Op == model.Equal {
			filters = append(filters, fmt.Sprintf("contains(%s, %s)", nameKey, valueKey))
			continue
		}
		if !validOperator(f.Op) {
			return nil, fmt.Errorf("dynamo: unsupported operator %q", f.Op)
		}
		filters = append(filters, fmt.Sprintf("%s %s %s", nameKey, f.Op, valueKey))
	}
	if len(filters) > 0 {
		input.FilterExpression = aws.String(strings.Join(filters, " AND "))
	}

	forward, err := scanDirection(q.Orders())
	if err != nil {
		return nil, err
	}
	input.ScanIndexForward = aws.Bool(forward)

	if projection := projectionExpr(q, opts, names); projection != "" {
		input.ProjectionExpression = aws.String(projection)
	}

	if opts.BatchSize > 0 {
		// Over-fetch to cover the client-side offset.
		input.Limit = aws.Int32(int32(opts.BatchSize + opts.Offset))
	}

	if opts.Cursor != "" {
		start, err := decodeQueryCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		input.ExclusiveStartKey = start
	}

	input.ExpressionAttributeNames = names
	input.ExpressionAttributeValues = values
	return input, nil
}

func validOperator(op model.Operator) bool {
	switch op {
	case model.Equal, model.LessThan, model.LessThanOrEqual,
		model.GreaterThan, model.GreaterThanOrEqual:
		return true
	}
	return false
}

// scanDirection maps sort orders onto the index sort key. DynamoDB can only
// sort by the sort key, so anything other than key path order is rejected.
func scanDirection(orders []model.Order) (bool, error) {
	switch len(orders) {
	case 0:
		return true, nil
	case 1:
		if orders[0].Name != KeyOrder {
			return false, fmt.Errorf("dynamo: cannot order by %q, only key path order is supported", orders[0].Name)
		}
		return !orders[0].Descending, nil
	default:
		return false, fmt.Errorf("dynamo: at most one sort order is supported")
	}
}

// projectionExpr narrows fetched attributes to the projection, or to key
// attributes alone for keys-only queries. The attributes needed to rebuild
// the key always ride along.
func projectionExpr(q model.Query, opts model.QueryOptions, names map[string]string) string {
	projection := q.Projection()
	if !opts.KeysOnly && len(projection) == 0 {
		return ""
	}

	// Key and index attributes always ride along: the key attributes feed
	// cursor encoding, kp and ns feed key decoding.
	names["#pk"] = attrPK
	names["#gk"] = attrKind
	names["#gp"] = attrPath
	names["#kp"] = attrKeyPath
	names["#ns"] = attrNamespace
	parts := []string{"#pk", "#gk", "#gp", "#kp", "#ns"}
	if opts.KeysOnly {
		return strings.Join(parts, ", ")
	}
	for i, name := range projection {
		nameKey := fmt.Sprintf("#p%d", i)
		names[nameKey] = name
		parts = append(parts, nameKey)
	}
	return strings.Join(parts, ", ")
}

// Query cursors are the key attributes of the last consumed item, which is
// exactly what ExclusiveStartKey needs. All three are strings.
func encodeQueryCursor(item map[string]types.AttributeValue) string {
	cursor := map[string]string{}
	for _, attr := range []string{attrPK, attrKind, attrPath} {
		if v, ok := item[attr].(*types.AttributeValueMemberS); ok {
			cursor[attr] = v.Value
		}
	}
	raw, _ := json.Marshal(cursor)
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeQueryCursor(cursor string) (map[string]types.AttributeValue, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("dynamo: bad cursor: %w", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("dynamo: bad cursor: %w", err)
	}
	start := make(map[string]types.AttributeValue, len(decoded))
	for attr, value := range decoded {
		start[attr] = &types.AttributeValueMemberS{Value: value}
	}
	return start, nil
}
