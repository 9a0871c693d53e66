package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// Key is the hex-encoded digest identifying a request in the cache.
type Key string

// canonicalRequest is the stable representation a key is derived from.
// encoding/json sorts map keys, which makes the serialization
// deterministic regardless of header iteration order.
type canonicalRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Compute derives the cache key for a request. Header names listed in
// ignore are left out of the canonical form; all other headers
// participate with lowercased names and trimmed values. The body is
// hashed verbatim, so whitespace or key-order differences in a JSON
// body produce different keys.
func Compute(method, path string, headers http.Header, ignore []string, body []byte) Key {
	ignored := make(map[string]struct{}, len(ignore))
	for _, name := range ignore {
		ignored[strings.ToLower(name)] = struct{}{}
	}

	canonical := canonicalRequest{
		Method:  method,
		Path:    path,
		Headers: make(map[string]string, len(headers)),
		Body:    string(body),
	}
	for name, values := range headers {
		lower := strings.ToLower(name)
		if _, skip := ignored[lower]; skip {
			continue
		}
		canonical.Headers[lower] = strings.TrimSpace(strings.Join(values, ","))
	}

	// Marshalling a struct of strings and string maps cannot fail.
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return Key(hex.EncodeToString(sum[:]))
}

// Shard returns the directory shard for the key, the first two hex
// characters of the digest.
func (k Key) Shard() string {
	if len(k) < 2 {
		return string(k)
	}
	return string(k[:2])
}
