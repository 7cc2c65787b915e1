package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken covers malformed, tampered and expired tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is what a signed token grants.
type Claims struct {
	Key         string
	Op          Operation
	Filename    string
	ContentType string
	Expiry      time.Time
}

// tokenPayload is the signed JSON body of a token.
type tokenPayload struct {
	Key         string    `json:"k"`
	Op          Operation `json:"o"`
	Filename    string    `json:"f,omitempty"`
	ContentType string    `json:"c,omitempty"`
	Expiry      int64     `json:"e"`
}

// Signer issues and validates HMAC tokens for the local gateway's presigned URLs.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign encodes the claims and appends an HMAC-SHA256 signature.
func (s *Signer) Sign(c Claims) string {
	payload, _ := json.Marshal(tokenPayload{
		Key:         c.Key,
		Op:          c.Op,
		Filename:    c.Filename,
		ContentType: c.ContentType,
		Expiry:      c.Expiry.Unix(),
	})
	return base64.RawURLEncoding.EncodeToString(payload) + "." + s.mac(payload)
}

// Verify checks the signature and expiry and returns the claims.
func (s *Signer) Verify(token string) (Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, fmt.Errorf("%w: format", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: encoding", ErrInvalidToken)
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(payload))) {
		return Claims{}, fmt.Errorf("%w: signature", ErrInvalidToken)
	}

	var p tokenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Claims{}, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	if s.now().Unix() > p.Expiry {
		return Claims{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return Claims{
		Key:         p.Key,
		Op:          p.Op,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		Expiry:      time.Unix(p.Expiry, 0),
	}, nil
}

func (s *Signer) mac(payload []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(payload)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
