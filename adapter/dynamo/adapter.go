package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/arbor/model"
)

// Adapter is a DynamoDB storage backend.
type Adapter struct {
	client *dynamodb.Client
	config Config
}

var _ model.Adapter = (*Adapter)(nil)

// New creates a new Adapter instance.
func New(client *dynamodb.Client, config Config) *Adapter {
	config.validate()
	return &Adapter{
		client: client,
		config: config,
	}
}

// NewClient builds a DynamoDB client from the default AWS credential chain,
// honoring the config's endpoint override.
func NewClient(ctx context.Context, config Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	}), nil
}

// Config returns the adapter's effective configuration.
func (a *Adapter) Config() Config {
	return a.config
}

// namespacedKey resolves the key's effective namespace.
func namespacedKey(ctx context.Context, key *model.Key) *model.Key {
	ns := model.ResolveNamespace(ctx, key)
	if ns != key.Namespace() {
		key = key.InNamespace(ns)
	}
	return key
}

func pkAttr(key *model.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: key.String()},
	}
}

// GetMulti implements model.Adapter. Inside a transaction, reads see the
// transaction's buffered writes and register version conditions checked at
// commit.
func (a *Adapter) GetMulti(ctx context.Context, keys []*model.Key) ([]map[string]any, error) {
	tx := a.ownTransaction(ctx)

	rows := make([]map[string]any, len(keys))
	ids := make([]string, len(keys))
	var fetch []string
	seen := map[string]struct{}{}

	for i, key := range keys {
		full := namespacedKey(ctx, key)
		ids[i] = full.String()
		if tx != nil {
			if props, buffered := tx.read(ids[i]); buffered {
				rows[i] = props
				continue
			}
		}
		if _, dup := seen[ids[i]]; !dup {
			seen[ids[i]] = struct{}{}
			fetch = append(fetch, ids[i])
		}
	}

	fetched := map[string]map[string]any{}
	versions := map[string]int64{}
	for start := 0; start < len(fetch); start += a.config.MaxBatchRead {
		end := min(start+a.config.MaxBatchRead, len(fetch))
		if err := a.batchGet(ctx, fetch[start:end], fetched, versions); err != nil {
			return nil, err
		}
	}

	for i, id := range ids {
		if rows[i] != nil {
			continue
		}
		if tx != nil {
			if _, buffered := tx.read(id); buffered {
				continue
			}
			tx.observe(id, versions[id])
		}
		rows[i] = fetched[id]
	}
	return rows, nil
}

// batchGet fetches one chunk of keys, retrying unprocessed keys until the
// chunk is drained.
func (a *Adapter) batchGet(ctx context.Context, ids []string, out map[string]map[string]any, versions map[string]int64) error {
	pending := make([]map[string]types.AttributeValue, len(ids))
	for i, id := range ids {
		pending[i] = map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: id},
		}
	}

	for len(pending) > 0 {
		result, err := a.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				a.config.Table: {Keys: pending},
			},
		})
		if err != nil {
			return err
		}

		for _, item := range result.Responses[a.config.Table] {
			pk, ok := item[attrPK].(*types.AttributeValueMemberS)
			if !ok {
				return fmt.Errorf("dynamo: item missing partition key")
			}
			_, props, version, err := decodeItem(item)
			if err != nil {
				return err
			}
			out[pk.Value] = props
			versions[pk.Value] = version
		}

		pending = nil
		if unprocessed, ok := result.UnprocessedKeys[a.config.Table]; ok {
			pending = unprocessed.Keys
		}
	}
	return nil
}

// PutMulti implements model.Adapter. Incomplete keys are completed with
// generated names since DynamoDB has no id allocator. Inside a transaction
// the writes are buffered until commit.
func (a *Adapter) PutMulti(ctx context.Context, reqs []model.PutRequest) ([]*model.Key, error) {
	tx := a.ownTransaction(ctx)

	keys := make([]*model.Key, len(reqs))
	var writes []types.WriteRequest
	for i, req := range reqs {
		key := req.Key
		if key.Incomplete() {
			key = completeKey(key)
		}
		full := namespacedKey(ctx, key)
		keys[i] = full

		if tx != nil {
			tx.bufferPut(full, req)
			continue
		}

		item, err := encodeItem(full, req, newVersion())
		if err != nil {
			return nil, err
		}
		writes = append(writes, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}

	if err := a.batchWrite(ctx, writes); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteMulti implements model.Adapter. Deleting an absent key is a no-op.
func (a *Adapter) DeleteMulti(ctx context.Context, keys []*model.Key) error {
	tx := a.ownTransaction(ctx)

	var writes []types.WriteRequest
	for _, key := range keys {
		full := namespacedKey(ctx, key)
		if tx != nil {
			tx.bufferDelete(full)
			continue
		}
		writes = append(writes, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: pkAttr(full)},
		})
	}
	return a.batchWrite(ctx, writes)
}

// batchWrite sends write requests in chunks, retrying unprocessed items
// until everything lands.
func (a *Adapter) batchWrite(ctx context.Context, writes []types.WriteRequest) error {
	for start := 0; start < len(writes); start += a.config.MaxBatchWrite {
		end := min(start+a.config.MaxBatchWrite, len(writes))
		pending := writes[start:end]

		for len(pending) > 0 {
			result, err := a.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{
					a.config.Table: pending,
				},
			})
			if err != nil {
				return err
			}
			pending = result.UnprocessedItems[a.config.Table]
		}
	}
	return nil
}

// completeKey assigns a generated name to an incomplete key.
func completeKey(key *model.Key) *model.Key {
	k := model.NameKey(key.Kind(), uuid.NewString(), key.Parent())
	if ns := key.Namespace(); ns != "" {
		k = k.InNamespace(ns)
	}
	return k
}
