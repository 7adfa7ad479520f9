package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"crlf to lf", "a\r\nb", "a\nb"},
		{"bare cr to lf", "a\rb", "a\nb"},
		{"trailing spaces stripped", "hello   \nworld\t", "hello\nworld"},
		{"outer trim", "\n\n  text  \n\n", "text"},
		{"blank runs collapsed", "a\n\n\n\n\nb", "a\n\nb"},
		{"two blanks preserved", "a\n\nb", "a\n\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestContentHash_NormalizationInvariant(t *testing.T) {
	t.Parallel()

	// Texts differing only in line endings and trailing whitespace hash
	// the same.
	a := ContentHash("The actor logs in.\r\nThe session opens.   ")
	b := ContentHash("The actor logs in.\nThe session opens.")
	assert.Equal(t, a, b)

	c := ContentHash("completely different text")
	assert.NotEqual(t, a, c)

	assert.Len(t, a, 64)
}

func TestParamsFingerprint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "T0_M4096", ParamsFingerprint(0, 4096))
	assert.Equal(t, "T0.7_M1024", ParamsFingerprint(0.7, 1024))
	assert.NotEqual(t, ParamsFingerprint(0, 4096), ParamsFingerprint(0.1, 4096))
}

func TestSignature_Deterministic(t *testing.T) {
	t.Parallel()

	ch := ContentHash("chunk body")
	sig1 := Signature(ch, "claims-v4", "2", "claude-haiku-4-5-20251001", "T0_M4096", "")
	sig2 := Signature(ch, "claims-v4", "2", "claude-haiku-4-5-20251001", "T0_M4096", "")
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64)
}

func TestSignature_ChangesWithAnyInput(t *testing.T) {
	t.Parallel()

	ch := ContentHash("chunk body")
	base := Signature(ch, "claims-v4", "2", "model-a", "T0_M4096", "")

	assert.NotEqual(t, base, Signature(ContentHash("other body"), "claims-v4", "2", "model-a", "T0_M4096", ""))
	assert.NotEqual(t, base, Signature(ch, "claims-v5", "2", "model-a", "T0_M4096", ""))
	assert.NotEqual(t, base, Signature(ch, "claims-v4", "3", "model-a", "T0_M4096", ""))
	assert.NotEqual(t, base, Signature(ch, "claims-v4", "2", "model-b", "T0_M4096", ""))
	assert.NotEqual(t, base, Signature(ch, "claims-v4", "2", "model-a", "T0.5_M4096", ""))
}

func TestSignature_ForceNonceBypassesCache(t *testing.T) {
	t.Parallel()

	ch := ContentHash("chunk body")
	plain := Signature(ch, "claims-v4", "2", "model-a", "T0_M4096", "")
	forced := Signature(ch, "claims-v4", "2", "model-a", "T0_M4096", "nonce-1")
	forcedAgain := Signature(ch, "claims-v4", "2", "model-a", "T0_M4096", "nonce-2")

	assert.NotEqual(t, plain, forced)
	assert.NotEqual(t, forced, forcedAgain)
}

func TestDedupeKey(t *testing.T) {
	t.Parallel()

	a := DedupeKey("ACTOR", "ACTOR | alice")
	b := DedupeKey("ACTOR", "ACTOR | alice")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, DedupeKey("OBJECT", "ACTOR | alice"))
	assert.NotEqual(t, a, DedupeKey("ACTOR", "ACTOR | bob"))
}
