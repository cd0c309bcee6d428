package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// ErrBadSignature is returned when a webhook request fails authentication:
// missing signature header, wrong signature, or wrong bearer token. Fatal
// for the request, never retried.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Verifier authenticates an inbound webhook request for one provider.
// Verification always operates on the raw request bytes: re-serialized JSON
// has a different byte layout and breaks HMAC verification.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

// HMACVerifier checks an HMAC-SHA256 hex digest of the raw body carried in
// a provider-specific header, optionally prefixed (e.g. "sha256=").
type HMACVerifier struct {
	secret []byte
	header string
	prefix string
}

// NewHMACVerifier creates a verifier for the given shared secret and header.
func NewHMACVerifier(secret, header, prefix string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), header: header, prefix: prefix}
}

// Verify recomputes the digest over body and compares it to the header value.
func (v *HMACVerifier) Verify(r *http.Request, body []byte) error {
	got := r.Header.Get(v.header)
	if got == "" {
		return ErrBadSignature
	}
	if v.prefix != "" {
		if !strings.HasPrefix(got, v.prefix) {
			return ErrBadSignature
		}
		got = got[len(v.prefix):]
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !constantTimeEqual(want, got) {
		return ErrBadSignature
	}
	return nil
}

// BearerVerifier checks a static bearer token. Used by the video provider,
// which does not sign payloads.
type BearerVerifier struct {
	token string
}

// NewBearerVerifier creates a verifier for the given token.
func NewBearerVerifier(token string) *BearerVerifier {
	return &BearerVerifier{token: token}
}

// Verify compares the Authorization bearer token against the shared token.
func (v *BearerVerifier) Verify(r *http.Request, body []byte) error {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ErrBadSignature
	}
	const scheme = "Bearer "
	if !strings.HasPrefix(auth, scheme) {
		return ErrBadSignature
	}
	if !constantTimeEqual(v.token, auth[len(scheme):]) {
		return ErrBadSignature
	}
	return nil
}

// constantTimeEqual compares two strings in constant time. Both sides are
// hashed to a fixed length first, so comparison time never depends on
// whether the input lengths already matched; an early length-mismatch
// return would leak timing information.
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
