package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	mgr, err := NewManager("secret", time.Hour)
	require.NoError(t, err)

	token, err := mgr.IssueToken("caller-1", "Ada", 0)
	require.NoError(t, err)

	id, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "caller-1", id.CallerID)
	assert.Equal(t, "Ada", id.Name)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
}

func TestTokenExpired(t *testing.T) {
	mgr, err := NewManager("secret", time.Minute)
	require.NoError(t, err)
	token, err := mgr.IssueToken("caller-1", "", time.Minute)
	require.NoError(t, err)

	mgr.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = mgr.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenWrongSecret(t *testing.T) {
	a, _ := NewManager("secret-a", 0)
	b, _ := NewManager("secret-b", 0)
	token, err := a.IssueToken("caller-1", "", 0)
	require.NoError(t, err)

	_, err = b.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsOtherAlgorithms(t *testing.T) {
	mgr, _ := NewManager("secret", 0)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: issuer}})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate(t *testing.T) {
	mgr, _ := NewManager("secret", 0)
	token, _ := mgr.IssueToken("caller-9", "", 0)

	r := httptest.NewRequest("POST", "/chat", nil)
	_, err := mgr.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = mgr.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "bearer "+token)
	id, err := mgr.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "caller-9", id.CallerID)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager("", 0)
	assert.Error(t, err)

	mgr, _ := NewManager("s", 0)
	_, err = mgr.IssueToken(" ", "", 0)
	assert.Error(t, err)
}
