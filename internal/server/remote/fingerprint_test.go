package remote

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFingerprint_HexPassthrough(t *testing.T) {
	digest := sha256.Sum256([]byte("object"))
	raw := strings.ToUpper(hex.EncodeToString(digest[:]))

	got, err := NormalizeFingerprint(raw)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(digest[:]), got)
	require.Len(t, got, FingerprintLen)
}

func TestNormalizeFingerprint_Base64(t *testing.T) {
	digest := sha256.Sum256([]byte("object"))
	raw := base64.StdEncoding.EncodeToString(digest[:])

	got, err := NormalizeFingerprint(raw)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(digest[:]), got)
}

func TestNormalizeFingerprint_Base32WithPrefix(t *testing.T) {
	digest := sha256.Sum256([]byte("object"))
	// CID-style: multihash prefix bytes ahead of the digest
	prefixed := append([]byte{0x12, 0x20}, digest[:]...)
	raw := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(prefixed))

	got, err := NormalizeFingerprint(raw)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(digest[:]), got)
}

func TestNormalizeFingerprint_Rejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "zz", "not-a-digest!"} {
		_, err := NormalizeFingerprint(raw)
		require.ErrorIs(t, err, common.ErrUploadIncomplete, "raw=%q", raw)
	}
}
