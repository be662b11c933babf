package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// CacheKey returns a deterministic digest of the tool kind and its normalized
// parameters. Two requests that differ only in spelling of defaults share a key.
func CacheKey(p Params) string {
	fields := p.fields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(string(p.Kind()))
	for _, k := range names {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return string(p.Kind()) + ":" + hex.EncodeToString(sum[:])
}
