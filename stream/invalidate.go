// Package stream provides a DynamoDB Streams handler that busts cached
// entities when their items change outside the adapter, for example through
// TTL expiry, console edits or another service writing to the table.
package stream

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/arbor/adapter/cached"
	"github.com/jacentio/arbor/internal/cachekey"
)

// Handler processes DynamoDB stream events and deletes the corresponding
// cache entries. It is designed to be used as an AWS Lambda handler.
type Handler struct {
	backend cached.Backend
	prefix  string
	logger  *slog.Logger
}

// NewHandler creates a new stream handler busting entries in backend. The
// prefix must match the caching adapter's configured key prefix.
func NewHandler(backend cached.Backend, prefix string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		backend: backend,
		prefix:  prefix,
		logger:  logger,
	}
}

// HandleInvalidation deletes the cache entries of every entity touched by
// the event. All change types count: an insert can shadow a cached absence
// just as a modify or remove can shadow a cached value.
func (h *Handler) HandleInvalidation(ctx context.Context, event events.DynamoDBEvent) error {
	cacheKeys := make([]string, 0, len(event.Records))
	for _, record := range event.Records {
		entityKey := EntityKey(record)
		if entityKey == "" {
			h.logger.Warn("skipping record without entity key",
				"eventID", record.EventID,
				"eventName", record.EventName,
			)
			continue
		}
		cacheKeys = append(cacheKeys, cachekey.For(h.prefix, entityKey))
	}
	if len(cacheKeys) == 0 {
		return nil
	}

	if err := h.backend.DeleteMulti(ctx, cacheKeys); err != nil {
		h.logger.Error("failed to bust cache entries",
			"count", len(cacheKeys),
			"error", err,
		)
		return err // Will retry, eventually DLQ
	}

	h.logger.Info("busted cache entries", "count", len(cacheKeys))
	return nil
}

// EntityKey extracts the stringified entity key from a stream record.
func EntityKey(record events.DynamoDBEventRecord) string {
	if v, ok := record.Change.Keys["pk"]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
