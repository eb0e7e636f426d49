// Package dynamo provides a DynamoDB-backed Adapter.
//
// Entities live in a single table keyed by the stringified entity key. A
// global secondary index partitioned by kind and namespace, sorted by the
// encoded ancestor path, serves kind and ancestor queries. Indexed
// properties are stored as top-level attributes so filters can run
// server-side; unindexed properties live in a nested map the index never
// sees. Every write stamps the item with a fresh random version token that
// backs optimistic transactions: commits go through TransactWriteItems with
// per-item version conditions, and a cancelled transaction surfaces as a
// model.TransactionFailedError so the caller's unit of work is retried.
package dynamo
