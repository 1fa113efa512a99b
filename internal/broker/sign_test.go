package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"testing"
	"time"
)

func fixedClock(s *Signer, at time.Time) {
	s.nowFn = func() time.Time { return at }
}

func TestSignerHeaders(t *testing.T) {
	t.Parallel()
	s := NewSigner("key", "secret", "sha256")
	fixedClock(s, time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC))

	query := url.Values{"code": []string{"000001"}}
	body := []byte(`{"price": 10}`)
	headers, err := s.Headers("POST", "/api/order", query, body)
	if err != nil {
		t.Fatalf("headers: %v", err)
	}

	if headers["X-API-Key"] != "key" {
		t.Errorf("X-API-Key = %q", headers["X-API-Key"])
	}
	if headers["X-Timestamp"] != "2024-01-01T09:30:00" {
		t.Errorf("X-Timestamp = %q", headers["X-Timestamp"])
	}

	// The canonical message: METHOD|PATH|sorted query|canonical JSON|TS.
	// Body whitespace is squeezed out by re-encoding.
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(`POST|/api/order|code=000001|{"price":10}|2024-01-01T09:30:00`))
	want := hex.EncodeToString(mac.Sum(nil))
	if headers["X-Signature"] != want {
		t.Errorf("X-Signature = %q, want %q", headers["X-Signature"], want)
	}
}

func TestSignerCanonicalizesBodyKeys(t *testing.T) {
	t.Parallel()
	s := NewSigner("key", "secret", "sha256")
	at := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	fixedClock(s, at)

	h1, err := s.Headers("POST", "/api/order", nil, []byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	h2, err := s.Headers("POST", "/api/order", nil, []byte(`{"a": 1, "b": 2}`))
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if h1["X-Signature"] != h2["X-Signature"] {
		t.Error("key order must not change the signature")
	}
}

func TestSignerEmptyPartsKeepSeparators(t *testing.T) {
	t.Parallel()
	s := NewSigner("key", "secret", "sha256")
	var gotPayload string
	s.SetSignFunc(func(method, path, payload, ts string) string {
		gotPayload = payload
		return "custom"
	})
	headers, err := s.Headers("GET", "/api/account", nil, nil)
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if gotPayload != "|" {
		t.Errorf("empty query and body should canonicalize to %q, got %q", "|", gotPayload)
	}
	if headers["X-Signature"] != "custom" {
		t.Errorf("custom sign func not used, got %q", headers["X-Signature"])
	}
}

func TestSignerSHA512(t *testing.T) {
	t.Parallel()
	s := NewSigner("key", "secret", "sha512")
	at := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	fixedClock(s, at)

	headers, err := s.Headers("GET", "/api/account", nil, nil)
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	mac := hmac.New(sha512.New, []byte("secret"))
	mac.Write([]byte("GET|/api/account||2024-01-01T09:30:00"))
	if want := hex.EncodeToString(mac.Sum(nil)); headers["X-Signature"] != want {
		t.Errorf("sha512 signature mismatch:\n got %q\nwant %q", headers["X-Signature"], want)
	}
}

func TestSignerRejectsBadBody(t *testing.T) {
	t.Parallel()
	s := NewSigner("key", "secret", "sha256")
	if _, err := s.Headers("POST", "/api/order", nil, []byte(`{broken`)); err == nil {
		t.Fatal("malformed body must fail signing, not sign garbage")
	}
}
