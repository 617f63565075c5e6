package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := GenerateToken("bot-1", "bot@example.com", "ingest", secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	require.Equal(t, "bot-1", claims.Subject)
	require.Equal(t, "ingest", claims.Role)
	require.Equal(t, "bot@example.com", claims.Identity())

	_, err = ParseToken(token, []byte("other"))
	require.Error(t, err)
}

func TestParseTokenExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := GenerateToken("u", "", "", secret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(token, secret)
	require.Error(t, err)
}

func TestClaimsIdentityFallsBackToSubject(t *testing.T) {
	c := &Claims{Subject: "observer-7"}
	require.Equal(t, "observer-7", c.Identity())
}
