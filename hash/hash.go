// Package hash computes the canonical content digest of an entity instance
// field map. It is the only package allowed to own this computation;
// entitystore defers to it rather than hashing inline.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// DefaultExclusions lists the metadata keys dropped from an instance's
// field map before hashing, per the canonical content hash definition.
var DefaultExclusions = map[string]bool{
	"id":           true,
	"user":         true,
	"rid":          true,
	"created_at":   true,
	"updated_at":   true,
	"last_cached":  true,
	"cache_ttl":    true,
	"content_hash": true,
}

// Canonical returns the canonical SHA-256 digest (lowercase hex) of fields,
// excluding DefaultExclusions. Remaining keys are sorted by byte order and
// streamed as key_bytes || value_bytes into the digest.
func Canonical(fields map[string]interface{}) string {
	return CanonicalExcluding(fields, DefaultExclusions)
}

// CanonicalExcluding is Canonical with a caller-supplied exclusion set,
// replacing DefaultExclusions entirely.
func CanonicalExcluding(fields map[string]interface{}, excluded map[string]bool) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if excluded[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write(valueBytes(fields[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Single hashes one value on its own, for callers that need a content hash
// outside the context of a full instance field map (e.g. cache key
// derivation from a single rendered value).
func Single(value interface{}) string {
	h := sha256.New()
	h.Write(valueBytes(value))
	return hex.EncodeToString(h.Sum(nil))
}

// HasChanged reports whether new's canonical hash differs from old's.
func HasChanged(old, new map[string]interface{}) bool {
	return Canonical(old) != Canonical(new)
}

// valueBytes renders a field value to the byte sequence streamed into the
// digest. Strings pass through verbatim; everything else canonicalizes via
// fmt.Sprint so the bytes are stable across processes for the same value.
func valueBytes(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(val)
	case []byte:
		return val
	case []interface{}:
		var buf []byte
		for _, item := range val {
			buf = append(buf, valueBytes(item)...)
		}
		return buf
	default:
		return []byte(fmt.Sprint(val))
	}
}
