package codec

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/keithlinneman/linnemanlabs-addons/internal/log"
	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// DefaultMaxPlaintext bounds decompressed output.
const DefaultMaxPlaintext = 16 << 20

// SyntaxChecker reports whether decoded source parses.
type SyntaxChecker func(src []byte) error

// Codec opens and seals extension payloads with one shared secret.
// Safe for concurrent use.
type Codec struct {
	secret       []byte
	checker      SyntaxChecker
	maxPlaintext int64
	logger       log.Logger
}

type Option func(*Codec)

// WithRepair enables best-effort bracket repair of authenticated source that
// fails check. Repair is off unless this option is given.
func WithRepair(check SyntaxChecker) Option {
	return func(c *Codec) { c.checker = check }
}

func WithMaxPlaintext(n int64) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxPlaintext = n
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a codec keyed by secret. The secret is copied.
func New(secret []byte, opts ...Option) *Codec {
	c := &Codec{
		secret:       bytes.Clone(secret),
		maxPlaintext: DefaultMaxPlaintext,
		logger:       log.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close wipes the retained secret.
func (c *Codec) Close() {
	Wipe(c.secret)
}

// Decrypt verifies the MAC and returns the still-compressed plaintext.
// No byte of ciphertext is processed before the MAC check passes.
func (c *Codec) Decrypt(raw []byte) ([]byte, error) {
	b, err := ParseBlob(raw)
	if err != nil {
		return nil, err
	}

	key := DeriveKey(c.secret, b.Salt[:])
	defer Wipe(key)

	if !hmac.Equal(computeMAC(key, b.IV[:], b.Ciphertext), b.MAC[:]) {
		return nil, xerrors.Markf(xerrors.ErrIntegrity, "mac mismatch")
	}

	out := make([]byte, len(b.Ciphertext))
	xorKeystream(out, b.Ciphertext, key, b.IV[:])
	return out, nil
}

// Open verifies, decrypts and decompresses a raw blob into source text.
// The caller owns the returned slice and should Wipe it when done.
func (c *Codec) Open(ctx context.Context, raw []byte) ([]byte, error) {
	compressed, err := c.Decrypt(raw)
	if err != nil {
		return nil, err
	}
	defer Wipe(compressed)

	src, err := decompress(compressed, c.maxPlaintext)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(src) {
		Wipe(src)
		return nil, xerrors.Markf(xerrors.ErrDecode, "decoded source is not valid utf-8")
	}
	if c.checker == nil {
		return src, nil
	}
	return c.repair(ctx, src)
}

// OpenString decodes base64 then calls Open.
func (c *Codec) OpenString(ctx context.Context, s string) ([]byte, error) {
	raw, err := DecodeString(s)
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, raw)
}

func (c *Codec) repair(ctx context.Context, src []byte) ([]byte, error) {
	checkErr := c.checker(src)
	if checkErr == nil {
		return src, nil
	}
	decodeErr := xerrors.Mark(xerrors.Wrap(checkErr, "syntax check"), xerrors.ErrDecode)

	fixed, changed := Repair(src)
	if !changed {
		Wipe(src)
		return nil, decodeErr
	}
	if err := c.checker(fixed); err != nil {
		Wipe(src)
		Wipe(fixed)
		return nil, decodeErr
	}
	c.logger.Warn(ctx, "repaired decoded source",
		"original_len", len(src),
		"repaired_len", len(fixed),
	)
	Wipe(src)
	return fixed, nil
}

// Seal gzip-compresses plaintext and encrypts it under a fresh salt and IV.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plaintext); err != nil {
		return nil, xerrors.Wrap(err, "compress")
	}
	if err := zw.Close(); err != nil {
		return nil, xerrors.Wrap(err, "compress")
	}
	compressed := buf.Bytes()
	defer Wipe(compressed)
	return c.SealRaw(compressed)
}

// SealRaw encrypts data as-is, without compression.
func (c *Codec) SealRaw(data []byte) ([]byte, error) {
	var b Blob
	if _, err := rand.Read(b.Salt[:]); err != nil {
		return nil, xerrors.Wrap(err, "generate salt")
	}
	if _, err := rand.Read(b.IV[:]); err != nil {
		return nil, xerrors.Wrap(err, "generate iv")
	}

	key := DeriveKey(c.secret, b.Salt[:])
	defer Wipe(key)

	b.Ciphertext = make([]byte, len(data))
	xorKeystream(b.Ciphertext, data, key, b.IV[:])
	copy(b.MAC[:], computeMAC(key, b.IV[:], b.Ciphertext))
	return b.Bytes(), nil
}

// decompress accepts gzip, zlib, or raw DEFLATE, detected from the header.
// A zlib-looking header that does not decode is retried as raw DEFLATE.
func decompress(data []byte, limit int64) ([]byte, error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, xerrors.Mark(xerrors.Wrap(err, "open gzip reader"), xerrors.ErrDecode)
		}
		return readLimited(zr, limit)
	case isZlibHeader(data):
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			if out, err := readLimited(zr, limit); err == nil {
				return out, nil
			}
		}
	}
	return readLimited(flate.NewReader(bytes.NewReader(data)), limit)
}

func readLimited(r io.ReadCloser, limit int64) ([]byte, error) {
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		Wipe(out)
		return nil, xerrors.Mark(xerrors.Wrap(err, "decompress"), xerrors.ErrDecode)
	}
	if int64(len(out)) > limit {
		Wipe(out)
		return nil, xerrors.Markf(xerrors.ErrDecode, "decompressed source exceeds %d bytes", limit)
	}
	return out, nil
}

func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[0]&0x0f == 8 && b[0]>>4 <= 7 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
