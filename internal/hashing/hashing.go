// Package hashing builds the content-addressed cache keys for chunk
// extraction. The signature hash covers everything that can change an
// extraction result: chunk content, prompt version, extractor version,
// model, and sampling parameters.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Normalize applies the locked normalization used for content hashing:
// CRLF/CR to LF, trailing whitespace stripped per line, outer trim, and
// runs of more than two blank lines collapsed to exactly two. Any change
// here requires bumping the extractor version.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	t := strings.ReplaceAll(text, "\r\n", "\n")
	t = strings.ReplaceAll(t, "\r", "\n")
	lines := strings.Split(t, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	t = strings.TrimSpace(strings.Join(lines, "\n"))
	return blankRuns.ReplaceAllString(t, "\n\n")
}

// ContentHash returns the SHA-256 hex digest of the normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// ParamsFingerprint produces a stable string covering the sampling
// parameters that affect extraction output.
func ParamsFingerprint(temperature float64, maxTokens int) string {
	return fmt.Sprintf("T%g_M%d", temperature, maxTokens)
}

// Signature computes the cache key's variable component: identical
// inputs always produce the same hash. A non-empty forceNonce makes the
// signature unique to one run so it bypasses the cache.
func Signature(contentHash, promptVersion, extractorVersion, modelID, paramsFingerprint, forceNonce string) string {
	parts := []string{contentHash, promptVersion, extractorVersion, modelID, paramsFingerprint}
	if forceNonce != "" {
		parts = append(parts, forceNonce)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// DedupeKey hashes a claim's type and canonical value into a stable
// key for duplicate detection across runs.
func DedupeKey(claimType string, canonicalValue string) string {
	sum := sha256.Sum256([]byte(claimType + "|" + canonicalValue))
	return hex.EncodeToString(sum[:])
}
