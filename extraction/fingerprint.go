package extraction

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the dedup key for an extracted item: each field named
// in fingerprintFields is lowercase-trimmed, empties are dropped, and the
// survivors are joined with "|" before hashing. When no field survives the
// raw matched text is hashed instead, so an item always fingerprints to the
// same 64-hex-char digest no matter how often it is re-observed.
//
// Returns the digest and whether the hash input was empty (both the field
// join and the raw text) — callers log that as an error condition, but the
// empty string still hashes deterministically rather than failing.
func Fingerprint(data *FieldMap, fingerprintFields []string, raw string) (string, bool) {
	var parts []string
	for _, name := range fingerprintFields {
		v := data.Get(name)
		if v.IsNull() {
			continue
		}
		s := strings.ToLower(strings.TrimSpace(v.Str()))
		if s == "" {
			continue
		}
		parts = append(parts, s)
	}

	input := strings.Join(parts, "|")
	if input == "" {
		input = strings.TrimSpace(raw)
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), input == ""
}
