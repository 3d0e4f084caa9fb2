package repair

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTokenInvalid covers malformed, forged and expired public tokens.
var ErrTokenInvalid = errors.New("public ticket token invalid")

// TokenSigner issues and verifies the public status-page tokens embedded in
// pickup notifications. Tokens are HMAC-signed and carry their own expiry.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner constructs a TokenSigner.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

// Sign issues a token for the ticket, valid for the configured TTL.
func (s *TokenSigner) Sign(tenant, ticketID uuid.UUID, now time.Time) string {
	expiry := now.Add(s.ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%d", tenant, ticketID, expiry)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(s.mac(payload))
}

// Verify checks signature and expiry and returns the token's scope.
func (s *TokenSigner) Verify(token string, now time.Time) (tenant, ticketID uuid.UUID, err error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}
	if !hmac.Equal(sig, s.mac(string(payload))) {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}
	tenant, err = uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}
	ticketID, err = uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}
	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || now.Unix() > expiry {
		return uuid.Nil, uuid.Nil, ErrTokenInvalid
	}
	return tenant, ticketID, nil
}

func (s *TokenSigner) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}
