// Package cached wraps another Adapter with a look-aside entity cache.
//
// Reads check the cache first and fall back to the wrapped adapter;
// populated entries are written back with compare-and-swap so a concurrent
// writer can never resurrect stale data. Writes follow a lock protocol:
// before the wrapped adapter is touched the affected cache entries are
// overwritten with a short-lived lock value, and after the write lands they
// are deleted. A reader that sees a lock value treats it as a miss and does
// not repopulate.
//
// Queries always bypass the cache, as do reads made inside a transaction.
// Writes made inside a transaction defer their cache busting to commit.
package cached
