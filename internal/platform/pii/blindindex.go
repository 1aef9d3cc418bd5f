package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DigestLength is the length of every blind-index digest (hex HMAC-SHA256).
const DigestLength = sha256.Size * 2

// Normalizer maps a value to the canonical form that is hashed. Writes and
// searches must use the same normalizer for a field.
type Normalizer func(string) string

// NormalizeText applies NFC composition, full case folding, trimming and
// collapses internal whitespace runs to a single space.
//
// Example: "  Ana   Paredes@Example.TEST " -> "ana paredes@example.test"
var NormalizeText Normalizer = func(s string) string {
	s = cases.Fold().String(norm.NFC.String(s))
	// Folding can decompose some characters; recompose.
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// phoneSeparators are removed from phone numbers after text normalization.
var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizePhone applies NormalizeText and then strips separator characters
// (spaces, dashes, parentheses, dots). A leading "+" is kept.
//
// Example: "(600) 123-456" -> "600123456"
var NormalizePhone Normalizer = func(s string) string {
	return phoneSeparators.Replace(NormalizeText(s))
}

func deriveIndexKey(key []byte, out *[32]byte) error {
	if len(key) < MinKeyLength {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrWeakKey, len(key), MinKeyLength)
	}
	if err := hkdfDerive(key, infoBlindIndex, out[:]); err != nil {
		return fmt.Errorf("pii: derive blind-index key: %w", err)
	}
	return nil
}

func computeIndex(key *[32]byte, normalized string) string {
	h := hmac.New(sha256.New, key[:])
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}

// HashLookup computes the blind index of a text value under key. Range,
// prefix and substring matching are not possible on the result; only
// equality of normalized values is preserved.
func HashLookup(value string, key []byte) (string, error) {
	return hashWith(NormalizeText, value, key)
}

// HashLookupPhone computes the blind index of a phone number under key.
func HashLookupPhone(value string, key []byte) (string, error) {
	return hashWith(NormalizePhone, value, key)
}

func hashWith(normalize Normalizer, value string, key []byte) (string, error) {
	var k [32]byte
	if err := deriveIndexKey(key, &k); err != nil {
		return "", err
	}
	return computeIndex(&k, normalize(value)), nil
}

// BlindIndex computes the text blind index with the provider's hashing key.
func (p *Provider) BlindIndex(value string) string {
	return computeIndex(&p.index, NormalizeText(value))
}

// BlindIndexPhone computes the phone blind index with the provider's hashing key.
func (p *Provider) BlindIndexPhone(value string) string {
	return computeIndex(&p.index, NormalizePhone(value))
}
