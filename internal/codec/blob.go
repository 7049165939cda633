package codec

import (
	"encoding/base64"
	"strings"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

const (
	SaltSize = 16
	MACSize  = 32
	IVSize   = 16

	// MinBlobSize is the header plus at least one ciphertext byte.
	MinBlobSize = SaltSize + MACSize + IVSize + 1

	// EncryptionType is the scheme name carried next to the blob on the wire.
	EncryptionType = "STREAM-CIPHER-HMAC-IV"
)

// Blob is the parsed wire form: salt ‖ mac ‖ iv ‖ ciphertext.
type Blob struct {
	Salt       [SaltSize]byte
	MAC        [MACSize]byte
	IV         [IVSize]byte
	Ciphertext []byte
}

// ParseBlob splits raw bytes into a Blob. Ciphertext aliases b.
func ParseBlob(b []byte) (*Blob, error) {
	if len(b) < MinBlobSize {
		return nil, xerrors.Markf(xerrors.ErrFormat, "blob is %d bytes, need at least %d", len(b), MinBlobSize)
	}
	var bl Blob
	off := copy(bl.Salt[:], b)
	off += copy(bl.MAC[:], b[off:])
	off += copy(bl.IV[:], b[off:])
	bl.Ciphertext = b[off:]
	return &bl, nil
}

// Bytes serialises the blob into its wire layout.
func (b *Blob) Bytes() []byte {
	out := make([]byte, 0, SaltSize+MACSize+IVSize+len(b.Ciphertext))
	out = append(out, b.Salt[:]...)
	out = append(out, b.MAC[:]...)
	out = append(out, b.IV[:]...)
	return append(out, b.Ciphertext...)
}

// DecodeString decodes standard base64, tolerating surrounding whitespace
// and missing padding.
func DecodeString(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "decode base64 blob"), xerrors.ErrFormat)
	}
	return b, nil
}

// Encode returns the base64 wire encoding of a raw blob.
func Encode(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

// CheckType rejects entries labelled with a scheme this codec cannot open.
// An empty type is accepted for entries written before the label existed.
func CheckType(t string) error {
	if t == "" || t == EncryptionType {
		return nil
	}
	return xerrors.Markf(xerrors.ErrFormat, "unsupported encryption type %q", t)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	clear(b)
}
