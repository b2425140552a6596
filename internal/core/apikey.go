package core

import (
	"log/slog"
	"strings"
)

// APIKey is a secret credential value. Its equality is a constant-time,
// non-early-exiting byte compare over max(len(a), len(b)) with zero padding,
// and its string rendering shows at most a six-character prefix — never the
// rest of the secret.
type APIKey struct {
	value string
}

// NewAPIKey wraps a raw credential string.
func NewAPIKey(value string) APIKey {
	return APIKey{value: value}
}

// String renders the redacted form (see Redacted), so formatting an APIKey
// with fmt or a logger never exposes the secret.
func (k APIKey) String() string {
	return k.Redacted()
}

// Redacted renders at most a six-character prefix followed by an ellipsis,
// or "(***)" when the key is shorter than six characters.
func (k APIKey) Redacted() string {
	if len(k.value) >= 6 {
		return k.value[:6] + "..."
	}
	return "(***)"
}

// LogValue makes APIKey safe to pass to slog without leaking the secret.
func (k APIKey) LogValue() slog.Value {
	return slog.StringValue("ApiKey(" + k.Redacted() + ")")
}

// Equal performs a constant-time comparison: every byte position up to
// max(len(a), len(b)) is compared, with out-of-range positions treated as
// zero. There is no early exit on length mismatch or first differing byte —
// both leak timing information about how close a guess is to a stored
// credential.
func (k APIKey) Equal(other APIKey) bool {
	a := []byte(k.value)
	b := []byte(other.value)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	var result byte
	if len(a) != len(b) {
		result = 1
	}
	for i := 0; i < maxLen; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		result |= x ^ y
	}
	return result == 0
}

// HasPrefix reports whether the key's raw value starts with prefix. This is
// a plain (non-constant-time) check used only to gate credentials at parse
// time (e.g. requiring "mb-sk-"), never to compare two secrets against
// each other.
func (k APIKey) HasPrefix(prefix string) bool {
	return strings.HasPrefix(k.value, prefix)
}

// APIKeyPrefix is the literal prefix every issued credential carries.
const APIKeyPrefix = "mb-sk-"
