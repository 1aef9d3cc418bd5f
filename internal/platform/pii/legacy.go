package pii

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Legacy payload format, written by the connection-level layer that predates
// Provider: base64std(nonce[16] || ciphertext || tag[16]).
//
//	key         = SHA-256(passphrase)
//	keystream_i = SHA-256(key || nonce || uint32be(i)), 32-byte blocks
//	tag         = HMAC-SHA256(key, nonce || ciphertext)[:16]
//
// LegacyCodec only exists so the backfill can recover canonical plaintext
// from such columns. New data is never written in this format.
const (
	legacyNonceSize = 16
	legacyTagSize   = 16
)

// LegacyCodec reads values stored by the old connection-level cipher.
type LegacyCodec struct {
	key [sha256.Size]byte
}

// NewLegacyCodec builds a codec from the passphrase the old layer was keyed with.
func NewLegacyCodec(passphrase []byte) *LegacyCodec {
	return &LegacyCodec{key: sha256.Sum256(passphrase)}
}

// Open returns the plaintext of a legacy payload. ok is false when stored does
// not have the shape of a legacy payload, in which case it is plain text. A
// value with the right shape whose tag does not verify returns ErrAuthentication.
func (c *LegacyCodec) Open(stored string) (plaintext string, ok bool, err error) {
	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(data) < legacyNonceSize+legacyTagSize {
		return "", false, nil
	}

	body, tag := data[:len(data)-legacyTagSize], data[len(data)-legacyTagSize:]
	if !hmac.Equal(c.tag(body), tag) {
		return "", true, fmt.Errorf("legacy payload: %w", ErrAuthentication)
	}

	nonce, ciphertext := body[:legacyNonceSize], body[legacyNonceSize:]
	out := make([]byte, len(ciphertext))
	c.xorKeystream(out, ciphertext, nonce)
	return string(out), true, nil
}

// Seal produces a legacy payload. Used to build fixtures for the backfill.
func (c *LegacyCodec) Seal(plaintext string) (string, error) {
	nonce := make([]byte, legacyNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("legacy seal: generate nonce: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	c.xorKeystream(ciphertext, []byte(plaintext), nonce)

	body := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(append(body, c.tag(body)...)), nil
}

func (c *LegacyCodec) xorKeystream(dst, src, nonce []byte) {
	var counter [4]byte
	for off, block := 0, uint32(0); off < len(src); block++ {
		binary.BigEndian.PutUint32(counter[:], block)
		h := sha256.New()
		h.Write(c.key[:])
		h.Write(nonce)
		h.Write(counter[:])
		ks := h.Sum(nil)
		for i := 0; i < len(ks) && off < len(src); i, off = i+1, off+1 {
			dst[off] = src[off] ^ ks[i]
		}
	}
}

func (c *LegacyCodec) tag(body []byte) []byte {
	m := hmac.New(sha256.New, c.key[:])
	m.Write(body)
	return m.Sum(nil)[:legacyTagSize]
}
