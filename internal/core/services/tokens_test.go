package services

import (
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	authority := NewTokenAuthority("test-secret", time.Minute)

	token, err := authority.Issue("cam-1", 0, "")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	streamID, session, err := authority.Validate(token, "10.0.0.5:51234")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamID("cam-1"), streamID)
	assert.NotEmpty(t, session)
}

func TestTokenSessionIsStable(t *testing.T) {
	authority := NewTokenAuthority("test-secret", time.Minute)

	token, err := authority.Issue("cam-1", 0, "")
	require.NoError(t, err)

	_, first, err := authority.Validate(token, "")
	require.NoError(t, err)
	_, second, err := authority.Validate(token, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestTokenExpired(t *testing.T) {
	// A negative default TTL mints tokens that are already expired.
	authority := NewTokenAuthority("test-secret", -time.Minute)

	token, err := authority.Issue("cam-1", 0, "")
	require.NoError(t, err)

	_, _, err = authority.Validate(token, "")
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestTokenWrongSecret(t *testing.T) {
	issuer := NewTokenAuthority("secret-a", time.Minute)
	verifier := NewTokenAuthority("secret-b", time.Minute)

	token, err := issuer.Issue("cam-1", 0, "")
	require.NoError(t, err)

	_, _, err = verifier.Validate(token, "")
	assert.ErrorIs(t, err, domain.ErrTokenBadSignature)
}

func TestTokenMalformed(t *testing.T) {
	authority := NewTokenAuthority("test-secret", time.Minute)

	_, _, err := authority.Validate("not-a-jwt", "")
	assert.ErrorIs(t, err, domain.ErrTokenMalformed)
}

func TestTokenAddressBinding(t *testing.T) {
	authority := NewTokenAuthority("test-secret", time.Minute)

	token, err := authority.Issue("cam-1", 0, "192.168.1.20:40000")
	require.NoError(t, err)

	// Same host, different source port.
	_, _, err = authority.Validate(token, "192.168.1.20:40001")
	assert.NoError(t, err)

	_, _, err = authority.Validate(token, "192.168.1.99:40000")
	assert.ErrorIs(t, err, domain.ErrTokenAddressMismatch)
}

func TestTokenUnboundAcceptsAnyAddress(t *testing.T) {
	authority := NewTokenAuthority("test-secret", time.Minute)

	token, err := authority.Issue("cam-1", 0, "")
	require.NoError(t, err)

	_, _, err = authority.Validate(token, "203.0.113.7:1234")
	assert.NoError(t, err)
}

func TestTokenCarriesStreamScope(t *testing.T) {
	authority := NewTokenAuthority("test-secret", time.Minute)

	token, err := authority.Issue("cam-front", 0, "")
	require.NoError(t, err)

	streamID, _, err := authority.Validate(token, "")
	require.NoError(t, err)
	assert.NotEqual(t, domain.StreamID("cam-back"), streamID)
	assert.Equal(t, domain.StreamID("cam-front"), streamID)
}
