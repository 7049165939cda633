package cryptoutil

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Verifier checks a publisher signature over decrypted extension source.
type Verifier interface {
	Verify(ctx context.Context, message []byte, signature string) error
}

// HMACVerifier accepts a hex HMAC-SHA256 of the source keyed by a shared key
// (the API key in the api backend).
type HMACVerifier struct {
	key []byte
}

func NewHMACVerifier(key string) *HMACVerifier {
	return &HMACVerifier{key: []byte(key)}
}

// Sign returns the hex HMAC-SHA256 of message.
func (v *HMACVerifier) Sign(message []byte) string {
	m := hmac.New(sha256.New, v.key)
	m.Write(message)
	return hex.EncodeToString(m.Sum(nil))
}

func (v *HMACVerifier) Verify(_ context.Context, message []byte, signature string) error {
	if len(v.key) == 0 {
		return xerrors.Markf(xerrors.ErrIntegrity, "signature key is not configured")
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return xerrors.Markf(xerrors.ErrIntegrity, "malformed signature")
	}
	m := hmac.New(sha256.New, v.key)
	m.Write(message)
	if !hmac.Equal(got, m.Sum(nil)) {
		return xerrors.Markf(xerrors.ErrIntegrity, "source signature mismatch")
	}
	return nil
}

// NopVerifier accepts every source. Used when signature checks are disabled.
type NopVerifier struct{}

func (NopVerifier) Verify(context.Context, []byte, string) error { return nil }
