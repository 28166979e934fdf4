// Package fingerprint derives stable identity keys for incoming alerts.
//
// A fingerprint identifies "the same underlying problem" across repeated
// firings. Providers that ship a stable native id get it passed through
// verbatim; everything else gets a SHA-256 digest over a canonical,
// whitespace-normalized concatenation of the configured identity fields.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DefaultKeys are the identity fields used when a tenant has not
// configured its own fingerprint key set.
var DefaultKeys = []string{"name", "source"}

var hashedRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// IsHashed reports whether fp is a raw SHA-256 hex digest (exactly 64
// lowercase hex characters). Downstream code uses this to decide whether
// provider-side correlation fields can be trusted.
func IsHashed(fp string) bool {
	return hashedRe.MatchString(fp)
}

// Resolve derives the fingerprint for an alert payload. If the provider
// supplied a stable native id it is used verbatim; otherwise the digest
// is computed over the values of keys, in order. Resolve is pure and
// deterministic: the same input bytes always yield the same fingerprint.
func Resolve(payload map[string]interface{}, providerID string, keys []string) string {
	if providerID != "" {
		return providerID
	}
	if len(keys) == 0 {
		keys = DefaultKeys
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, normalize(fieldValue(payload, k)))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// fieldValue extracts a payload field using dot notation (e.g. "labels.service")
func fieldValue(payload map[string]interface{}, path string) string {
	if path == "" {
		return ""
	}
	current := interface{}(payload)
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case map[string]string:
			current = v[part]
		default:
			return ""
		}
		if current == nil {
			return ""
		}
	}
	switch v := current.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// normalize collapses runs of whitespace to single spaces and trims the ends
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
