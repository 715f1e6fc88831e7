package answer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainAnswers separates answer-set hashes from any other hash the
// system might compute over the same bytes.
const DomainAnswers = "questflow/answers/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the content hash of a set. Sets with the same canonical
// encoding hash identically regardless of map iteration order or Unicode
// normalization form.
func Hash(s Set) (string, error) {
	canonical, err := Canonical(s)
	if err != nil {
		return "", fmt.Errorf("hash answers: %w", err)
	}
	return hashWithDomain(DomainAnswers, canonical), nil
}
