// Package cachekey derives cache item keys from entity keys.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
)

// For derives the cache key for an entity key's string form. Entity keys can
// contain characters memcached forbids and can exceed its 250 byte key
// limit, so the key is hashed; the prefix keeps independent deployments from
// colliding on a shared cache.
func For(prefix, entityKey string) string {
	h := sha256.Sum256([]byte(entityKey))
	return prefix + ":" + hex.EncodeToString(h[:])
}
