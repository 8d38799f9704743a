package sync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Wire contract v1. The server recomputes every signature, so the bytes
// below must not change without a server-side change:
//
//	push: hex(HMAC-SHA256(key, canonical(payload) + timestamp + username))
//	pull: hex(HMAC-SHA256(key, username + afterDate + timestamp))
//
// canonical(payload) is the JSON array exactly as sent in the request body:
// struct field order, no HTML escaping, no insignificant whitespace.
// Timestamps are UTC with millisecond precision and a Z suffix.
const (
	WireVersion = "v1"

	wireTimeLayout = "2006-01-02T15:04:05.000Z"
	wireDateLayout = "2006-01-02"
)

// Canonicalize encodes v the way the server stringifies it before verifying
// a signature. U+2028 and U+2029 are still escaped as \u2028 and \u2029,
// unlike JSON.stringify.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Signer signs requests with the operator's signing key.
type Signer struct {
	key []byte
}

// NewSigner returns a signer for key.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

func (s *Signer) mac(parts ...string) string {
	h := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SignPayload signs a canonical push payload.
func (s *Signer) SignPayload(canonical []byte, timestamp, username string) string {
	return s.mac(string(canonical), timestamp, username)
}

// SignQuery signs a historical pull request.
func (s *Signer) SignQuery(username, afterDate, timestamp string) string {
	return s.mac(username, afterDate, timestamp)
}

// BulkBody builds the signed bulk-save request body for kind:
//
//	{"<kind>": [...], "signature": "...", "timestamp": "...", "username": "..."}
//
// The payload array is embedded byte for byte as it was signed.
func (s *Signer) BulkBody(kind string, payload any, timestamp, username string) ([]byte, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}

	envelope := map[string]any{
		kind:        json.RawMessage(canonical),
		"timestamp": timestamp,
		"username":  username,
		"signature": s.SignPayload(canonical, timestamp, username),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope); err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// wireTimestamp renders t in the wire timestamp format.
func wireTimestamp(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}
