package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32
	Iterations = 100000
)

// DeriveKey stretches secret with PBKDF2-HMAC-SHA256. Deterministic for a
// given (secret, salt).
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, Iterations, KeySize, sha256.New)
}

// computeMAC returns HMAC-SHA256(key, iv ‖ ct).
func computeMAC(key, iv, ct []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(iv)
	m.Write(ct)
	return m.Sum(nil)
}

// xorKeystream XORs src into dst with the keystream
// SHA256(key ‖ iv ‖ le64(0)) ‖ SHA256(key ‖ iv ‖ le64(1)) ‖ ...
// dst and src may overlap exactly.
func xorKeystream(dst, src, key, iv []byte) {
	h := sha256.New()
	var ctr [8]byte
	var block [sha256.Size]byte
	for off, counter := 0, uint64(0); off < len(src); counter++ {
		binary.LittleEndian.PutUint64(ctr[:], counter)
		h.Reset()
		h.Write(key)
		h.Write(iv)
		h.Write(ctr[:])
		h.Sum(block[:0])
		n := min(len(src)-off, len(block))
		for i := 0; i < n; i++ {
			dst[off+i] = src[off+i] ^ block[i]
		}
		off += n
	}
	clear(block[:])
}
