package auth

import (
	"testing"
	"time"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	secret := []byte("secret")

	token, err := GenerateToken("user-1", secret, time.Hour)
	require.NoError(t, err)

	userID, err := GetUserIDFromToken(token, secret)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
}

func TestGetUserIDFromToken_WrongSecret(t *testing.T) {
	token, err := GenerateToken("user-1", []byte("secret"), time.Hour)
	require.NoError(t, err)

	_, err = GetUserIDFromToken(token, []byte("other"))
	require.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestGetUserIDFromToken_Expired(t *testing.T) {
	token, err := GenerateToken("user-1", []byte("secret"), -time.Minute)
	require.NoError(t, err)

	_, err = GetUserIDFromToken(token, []byte("secret"))
	require.ErrorIs(t, err, common.ErrTokenExpired)
}

func TestGetUserIDFromToken_Garbage(t *testing.T) {
	_, err := GetUserIDFromToken("not.a.token", []byte("secret"))
	require.ErrorIs(t, err, common.ErrInvalidToken)
}
