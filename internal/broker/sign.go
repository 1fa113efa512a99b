package broker

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"net/url"
	"time"
)

// SignFunc produces a hex signature over the canonical request message.
// Gateways with a nonstandard scheme install one via Signer.SetSignFunc.
type SignFunc func(method, path, payload, timestamp string) string

// Signer attaches HMAC authentication headers to outgoing requests:
//
//	X-API-Key:   the configured key
//	X-Timestamp: UTC ISO-8601 seconds
//	X-Signature: HEX(HMAC(secret, METHOD|PATH|query|body|TIMESTAMP))
//
// The query string is key-sorted; the JSON body is re-encoded with
// object keys sorted. Absent query or body contribute empty strings but
// the literal separators remain, so the message always has four pipes.
type Signer struct {
	apiKey string
	secret string
	newMac func() hash.Hash
	custom SignFunc
	nowFn  func() time.Time
}

// NewSigner builds a signer for the given credentials. algo selects the
// HMAC hash: "sha512" or "sha256"; anything else falls back to SHA-256.
func NewSigner(apiKey, secret, algo string) *Signer {
	newMac := sha256.New
	if algo == "sha512" {
		newMac = sha512.New
	}
	return &Signer{
		apiKey: apiKey,
		secret: secret,
		newMac: newMac,
		nowFn:  time.Now,
	}
}

// SetSignFunc replaces the HMAC computation with a custom scheme. The
// canonical message construction is unchanged.
func (s *Signer) SetSignFunc(fn SignFunc) {
	s.custom = fn
}

// Headers returns the three signature headers for one request. body is
// the exact JSON payload that will be sent, nil when the request has
// none.
func (s *Signer) Headers(method, path string, query url.Values, body []byte) (map[string]string, error) {
	payload, err := canonicalPayload(query, body)
	if err != nil {
		return nil, err
	}
	ts := s.nowFn().UTC().Format("2006-01-02T15:04:05")
	return map[string]string{
		"X-API-Key":   s.apiKey,
		"X-Timestamp": ts,
		"X-Signature": s.sign(method, path, payload, ts),
	}, nil
}

func (s *Signer) sign(method, path, payload, ts string) string {
	if s.custom != nil {
		return s.custom(method, path, payload, ts)
	}
	mac := hmac.New(s.newMac, []byte(s.secret))
	fmt.Fprintf(mac, "%s|%s|%s|%s", method, path, payload, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalPayload is "{sorted querystring}|{JSON body, sorted keys}".
func canonicalPayload(query url.Values, body []byte) (string, error) {
	q := ""
	if len(query) > 0 {
		q = query.Encode()
	}
	b := ""
	if len(body) > 0 {
		canon, err := canonicalJSON(body)
		if err != nil {
			return "", fmt.Errorf("canonicalize body: %w", err)
		}
		b = canon
	}
	return q + "|" + b, nil
}

// canonicalJSON re-encodes raw JSON with object keys sorted at every
// depth. Numeric literals pass through unaltered via json.Number.
func canonicalJSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
