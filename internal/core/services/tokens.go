package services

import (
	"errors"
	"net"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PlaybackClaims is the signed playback credential: stream scope,
// expiry, and an optional bound client address. Validity is a pure
// function of the claim plus current time; there is no revocation list.
type PlaybackClaims struct {
	StreamID  string `json:"stream_id"`
	BoundAddr string `json:"bound_addr,omitempty"`
	jwt.RegisteredClaims
}

type tokenAuthority struct {
	secret     []byte
	defaultTTL time.Duration
}

func NewTokenAuthority(secret string, defaultTTL time.Duration) ports.TokenAuthority {
	return &tokenAuthority{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
	}
}

// Issue signs a playback token scoped to one stream. A zero ttl uses
// the configured default. bindAddr, when set, restricts the token to
// requests from that client address.
func (t *tokenAuthority) Issue(id domain.StreamID, ttl time.Duration, bindAddr string) (string, error) {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	now := time.Now()
	claims := &PlaybackClaims{
		StreamID:  string(id),
		BoundAddr: stripPort(bindAddr),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate checks signature, expiry and address binding. The returned
// session id is the token's jti, used as a stable viewer identity.
func (t *tokenAuthority) Validate(tokenString, remoteAddr string) (domain.StreamID, domain.SessionID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PlaybackClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrTokenBadSignature
		}
		return t.secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", "", domain.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return "", "", domain.ErrTokenBadSignature
		default:
			return "", "", domain.ErrTokenMalformed
		}
	}

	claims, ok := token.Claims.(*PlaybackClaims)
	if !ok || !token.Valid {
		return "", "", domain.ErrTokenMalformed
	}

	if claims.BoundAddr != "" && claims.BoundAddr != stripPort(remoteAddr) {
		return "", "", domain.ErrTokenAddressMismatch
	}

	session := domain.SessionID(claims.ID)
	if session == "" {
		session = domain.SessionID(uuid.NewString())
	}
	return domain.StreamID(claims.StreamID), session, nil
}

func stripPort(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
