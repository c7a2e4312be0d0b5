package remote

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/hermitbox/hermitbox/internal/common"
)

// FingerprintLen is the length of a normalized fingerprint: a 32-byte
// digest, hex-encoded.
const FingerprintLen = 64

var hexDigestRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// NormalizeFingerprint converts a raw digest as reported by the network into
// the canonical 64-character lowercase hex form. Raw hex passes through;
// base64 (standard and URL-safe, as in S3 checksum fields) and unpadded
// base32 (CID-style) encodings of a 32-byte digest are re-encoded. The
// digest is the trailing 32 bytes of the decoded value, so multihash-style
// prefixes are tolerated.
func NormalizeFingerprint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty fingerprint", common.ErrUploadIncomplete)
	}

	if hexDigestRe.MatchString(raw) {
		return strings.ToLower(raw), nil
	}

	for _, decode := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		func(s string) ([]byte, error) {
			return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
		},
	} {
		b, err := decode(raw)
		if err != nil || len(b) < 32 {
			continue
		}
		return hex.EncodeToString(b[len(b)-32:]), nil
	}

	return "", fmt.Errorf("%w: unrecognized fingerprint encoding %q", common.ErrUploadIncomplete, raw)
}
