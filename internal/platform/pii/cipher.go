package pii

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// Payload format: "v1:" + base64url(nonce[24] || ciphertext || tag[32])
//
// The keystream is XChaCha20 under the derived encryption key. The tag is
// HMAC-SHA256 under a separate derived key over version || nonce || ciphertext.
const (
	// MinKeyLength is the minimum length of configured key material in bytes.
	MinKeyLength = 32

	payloadVersion   = "v1"
	versionSeparator = ":"

	nonceSize = chacha20.NonceSizeX
	tagSize   = sha256.Size

	// HKDF info labels. Distinct labels keep the three roles independent even
	// when encryption and hashing share the same configured secret.
	infoEncryption     = "clinica-pii-v1-encryption"
	infoAuthentication = "clinica-pii-v1-authentication"
	infoBlindIndex     = "clinica-pii-v1-blind-index"
)

// payloadEncoding rejects non-zero trailing bits in the last character.
var payloadEncoding = base64.RawURLEncoding.Strict()

// sealKeys holds the subkeys derived from one encryption key.
type sealKeys struct {
	enc [32]byte
	mac [32]byte
}

func deriveSealKeys(key []byte) (*sealKeys, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrWeakKey, len(key), MinKeyLength)
	}
	k := &sealKeys{}
	if err := hkdfDerive(key, infoEncryption, k.enc[:]); err != nil {
		return nil, fmt.Errorf("pii: derive encryption key: %w", err)
	}
	if err := hkdfDerive(key, infoAuthentication, k.mac[:]); err != nil {
		return nil, fmt.Errorf("pii: derive authentication key: %w", err)
	}
	return k, nil
}

// hkdfDerive fills out with HKDF-SHA256(secret, info). A nil salt is used.
func hkdfDerive(secret []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	_, err := io.ReadFull(r, out)
	return err
}

// Encrypt seals plaintext under key with a fresh random nonce. Encrypting the
// same value twice yields different payloads.
func Encrypt(plaintext string, key []byte) (string, error) {
	k, err := deriveSealKeys(key)
	if err != nil {
		return "", err
	}
	return k.seal(plaintext)
}

// Decrypt verifies and opens a payload produced by Encrypt. It returns
// ErrMalformedCiphertext for payloads that cannot be parsed and
// ErrAuthentication when the tag does not verify.
func Decrypt(blob string, key []byte) (string, error) {
	k, err := deriveSealKeys(key)
	if err != nil {
		return "", err
	}
	return k.open(blob)
}

func (k *sealKeys) seal(plaintext string) (string, error) {
	buf := make([]byte, nonceSize+len(plaintext), nonceSize+len(plaintext)+tagSize)
	nonce := buf[:nonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("pii encrypt: generate nonce: %w", err)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(k.enc[:], nonce)
	if err != nil {
		return "", fmt.Errorf("pii encrypt: create stream: %w", err)
	}
	stream.XORKeyStream(buf[nonceSize:], []byte(plaintext))

	buf = append(buf, k.tag(buf)...)
	return payloadVersion + versionSeparator + payloadEncoding.EncodeToString(buf), nil
}

func (k *sealKeys) open(blob string) (string, error) {
	version, encoded, err := parseVersionedPayload(blob)
	if err != nil {
		return "", err
	}
	if version != payloadVersion {
		return "", fmt.Errorf("%w: unsupported payload version %q", ErrMalformedCiphertext, version)
	}

	data, err := payloadEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrMalformedCiphertext, err)
	}
	if len(data) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: payload is %d bytes, need at least %d", ErrMalformedCiphertext, len(data), nonceSize+tagSize)
	}

	body, tag := data[:len(data)-tagSize], data[len(data)-tagSize:]
	if !hmac.Equal(k.tag(body), tag) {
		return "", ErrAuthentication
	}

	nonce, ciphertext := body[:nonceSize], body[nonceSize:]
	stream, err := chacha20.NewUnauthenticatedCipher(k.enc[:], nonce)
	if err != nil {
		return "", fmt.Errorf("pii decrypt: create stream: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrMalformedCiphertext)
	}
	return string(plaintext), nil
}

func (k *sealKeys) tag(nonceAndCiphertext []byte) []byte {
	m := hmac.New(sha256.New, k.mac[:])
	m.Write([]byte(payloadVersion))
	m.Write(nonceAndCiphertext)
	return m.Sum(nil)
}

// parseVersionedPayload splits "v{n}:{data}".
func parseVersionedPayload(s string) (string, string, error) {
	version, data, ok := strings.Cut(s, versionSeparator)
	if !ok {
		return "", "", fmt.Errorf("%w: no version prefix", ErrMalformedCiphertext)
	}
	if len(version) < 2 || version[0] != 'v' {
		return "", "", fmt.Errorf("%w: invalid version prefix", ErrMalformedCiphertext)
	}
	return version, data, nil
}

// IsPayload reports whether s carries a version prefix this package produces.
// It does not verify the payload.
func IsPayload(s string) bool {
	version, _, err := parseVersionedPayload(s)
	return err == nil && version == payloadVersion
}

// Provider is the unified Cipher Provider. It caches the derived subkeys for
// one encryption key and one hashing key and is safe for concurrent use.
type Provider struct {
	seal  *sealKeys
	index [32]byte
}

// NewProvider derives the encryption, authentication and blind-index subkeys.
// hashKey may be the same material as encryptionKey.
func NewProvider(encryptionKey, hashKey []byte) (*Provider, error) {
	seal, err := deriveSealKeys(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	p := &Provider{seal: seal}
	if err := deriveIndexKey(hashKey, &p.index); err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	return p, nil
}

// Encrypt seals plaintext with a fresh nonce.
func (p *Provider) Encrypt(plaintext string) (string, error) {
	return p.seal.seal(plaintext)
}

// Decrypt verifies and opens a payload.
func (p *Provider) Decrypt(blob string) (string, error) {
	return p.seal.open(blob)
}
