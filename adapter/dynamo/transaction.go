package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/arbor/model"
)

// maxTransactItems is the TransactWriteItems request limit.
const maxTransactItems = 100

// bufferedPut is a put held back until commit.
type bufferedPut struct {
	key *model.Key
	req model.PutRequest
}

// transaction buffers writes and commits them in one TransactWriteItems
// call. Every key read inside the transaction contributes a version
// condition, so a commit fails when any of them changed concurrently.
type transaction struct {
	adapter *Adapter
	reads   map[string]int64 // pk -> version at read time, 0 when absent
	puts    map[string]bufferedPut
	deletes map[string]*model.Key
}

// joined is a nested scope of an already running transaction. The outermost
// scope owns the commit.
type joined struct {
	tx *transaction
}

type dynTx interface {
	root() *transaction
}

func (t *transaction) root() *transaction { return t }
func (j *joined) root() *transaction      { return j.tx }

// Transaction implements model.Adapter.
func (a *Adapter) Transaction(ctx context.Context, propagation model.Propagation) (model.Transaction, error) {
	if propagation == model.Nested {
		if cur := a.unwrap(model.CurrentTransaction(ctx)); cur != nil {
			return &joined{tx: cur}, nil
		}
	}
	return &transaction{
		adapter: a,
		reads:   map[string]int64{},
		puts:    map[string]bufferedPut{},
		deletes: map[string]*model.Key{},
	}, nil
}

func (a *Adapter) ownTransaction(ctx context.Context) *transaction {
	return a.unwrap(model.CurrentTransaction(ctx))
}

// unwrap digs through wrapping transactions, like the caching layer's, to
// this adapter's own.
func (a *Adapter) unwrap(tx model.Transaction) *transaction {
	for tx != nil {
		if own, ok := tx.(dynTx); ok && own.root().adapter == a {
			return own.root()
		}
		wrapped, ok := tx.(model.WrappedTransaction)
		if !ok {
			return nil
		}
		tx = wrapped.Unwrap()
	}
	return nil
}

func (t *transaction) observe(id string, version int64) {
	if _, seen := t.reads[id]; seen {
		return
	}
	t.reads[id] = version
}

func (t *transaction) read(id string) (map[string]any, bool) {
	if _, gone := t.deletes[id]; gone {
		return nil, true
	}
	if put, ok := t.puts[id]; ok {
		props := make(map[string]any, len(put.req.Properties))
		for _, p := range put.req.Properties {
			props[p.Name] = p.Value
		}
		return props, true
	}
	return nil, false
}

func (t *transaction) bufferPut(key *model.Key, req model.PutRequest) {
	id := key.String()
	delete(t.deletes, id)
	t.puts[id] = bufferedPut{key: key, req: req}
}

func (t *transaction) bufferDelete(key *model.Key) {
	id := key.String()
	delete(t.puts, id)
	t.deletes[id] = key
}

func (t *transaction) Begin(ctx context.Context) error { return nil }

func (t *transaction) Commit(ctx context.Context) error {
	var items []types.TransactWriteItem

	// versionCondition guards a write on the version observed when the key
	// was read. Unread keys are written blind, like outside a transaction.
	versionCondition := func(id string) (*string, map[string]string, map[string]types.AttributeValue) {
		version, read := t.reads[id]
		if !read {
			return nil, nil, nil
		}
		if version == 0 {
			return aws.String("attribute_not_exists(#pk)"),
				map[string]string{"#pk": attrPK}, nil
		}
		return aws.String("#v = :v"),
			map[string]string{"#v": attrVersion},
			map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
			}
	}

	for id, put := range t.puts {
		item, err := encodeItem(put.key, put.req, newVersion())
		if err != nil {
			return err
		}
		cond, names, values := versionCondition(id)
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(t.adapter.config.Table),
				Item:                      item,
				ConditionExpression:       cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		})
	}

	for id, key := range t.deletes {
		cond, names, values := versionCondition(id)
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:                 aws.String(t.adapter.config.Table),
				Key:                       pkAttr(key),
				ConditionExpression:       cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		})
	}

	// Reads with no corresponding write still pin their version.
	for id, version := range t.reads {
		if _, written := t.puts[id]; written {
			continue
		}
		if _, written := t.deletes[id]; written {
			continue
		}
		check := &types.ConditionCheck{
			TableName: aws.String(t.adapter.config.Table),
			Key: map[string]types.AttributeValue{
				attrPK: &types.AttributeValueMemberS{Value: id},
			},
		}
		if version == 0 {
			check.ConditionExpression = aws.String("attribute_not_exists(#pk)")
			check.ExpressionAttributeNames = map[string]string{"#pk": attrPK}
		} else {
			check.ConditionExpression = aws.String("#v = :v")
			check.ExpressionAttributeNames = map[string]string{"#v": attrVersion}
			check.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
			}
		}
		items = append(items, types.TransactWriteItem{ConditionCheck: check})
	}

	if len(items) == 0 {
		return nil
	}
	if len(items) > maxTransactItems {
		return fmt.Errorf("dynamo: transaction touches %d items, the maximum is %d", len(items), maxTransactItems)
	}

	_, err := t.adapter.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapCommitError(err)
}

// mapCommitError surfaces condition failures and write conflicts as
// retryable transaction failures.
func mapCommitError(err error) error {
	if err == nil {
		return nil
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return &model.TransactionFailedError{
					Message: "concurrent modification",
					Cause:   err,
				}
			}
		}
		return err
	}

	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return &model.TransactionFailedError{Message: "transaction conflict", Cause: err}
	}
	return err
}

func (t *transaction) Rollback(ctx context.Context) error {
	t.puts = map[string]bufferedPut{}
	t.deletes = map[string]*model.Key{}
	t.reads = map[string]int64{}
	return nil
}

func (t *transaction) End(ctx context.Context) {}

func (j *joined) Begin(ctx context.Context) error    { return nil }
func (j *joined) Commit(ctx context.Context) error   { return nil }
func (j *joined) Rollback(ctx context.Context) error { return nil }
func (j *joined) End(ctx context.Context)            {}
