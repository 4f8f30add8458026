package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Canonicalize reduces extracted text to a stable comparison form:
// lowercase, whitespace collapsed. Duplicate detection and digests key off
// this form so cosmetic markup changes do not produce new pages.
func Canonicalize(text string) string {
	return strings.ToLower(normalizeText(text))
}

// ContentDigest is the sha256 hex of the canonical text.
func ContentDigest(text string) string {
	sum := sha256.Sum256([]byte(Canonicalize(text)))
	return hex.EncodeToString(sum[:])
}

// Simhash64 computes a 64-bit simhash over word-level features of the
// canonical text. Near-duplicate pages land within a few bits of each
// other, which the quality scorer uses for its uniqueness component.
func Simhash64(text string) uint64 {
	var weights [64]int
	for _, word := range strings.Fields(Canonicalize(text)) {
		h := fnv64(word)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var out uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}

// HammingDistance counts differing bits between two simhashes.
func HammingDistance(a, b uint64) int {
	x := a ^ b
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}

func fnv64(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	var h uint64 = offset
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}
