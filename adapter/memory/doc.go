// Package memory provides an in-process Adapter backed by a mutex-protected
// map. It implements the full adapter contract, including queries and
// optimistic transactions, and exists for tests and local development; data
// does not survive the process.
package memory
