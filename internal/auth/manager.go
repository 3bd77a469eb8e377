package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the lifetime of tokens issued without an explicit TTL.
const DefaultTTL = 24 * time.Hour

var (
	ErrMalformedToken = errors.New("invalid token format")
	ErrBadSignature   = errors.New("signature mismatch")
	ErrExpiredToken   = errors.New("token expired")
)

// Session is the identity carried by a valid token.
type Session struct {
	UserID    string
	ExpiresAt time.Time
}

// Manager issues and validates HMAC-SHA256 session tokens of the form
// base64url(user-id|expiry).base64url(signature).
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken signs a token for userID valid for ttl.
func (m *Manager) IssueToken(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	expires := m.now().Add(ttl).Unix()
	payload := userID + "|" + strconv.FormatInt(expires, 10)
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken checks the signature and expiry and returns the session.
func (m *Manager) ValidateToken(token string) (Session, error) {
	encPayload, encSig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encPayload == "" || encSig == "" {
		return Session{}, ErrMalformedToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return Session{}, ErrMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return Session{}, ErrMalformedToken
	}
	if !hmac.Equal(sig, m.sign(payload)) {
		return Session{}, ErrBadSignature
	}
	sep := strings.LastIndexByte(string(payload), '|')
	if sep <= 0 {
		return Session{}, ErrMalformedToken
	}
	expiry, err := strconv.ParseInt(string(payload[sep+1:]), 10, 64)
	if err != nil {
		return Session{}, ErrMalformedToken
	}
	expiresAt := time.Unix(expiry, 0)
	if m.now().After(expiresAt) {
		return Session{}, ErrExpiredToken
	}
	return Session{UserID: string(payload[:sep]), ExpiresAt: expiresAt}, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
