package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	require.Equal(t, got, Sum([]byte("hello world")))
}

func TestFingerprintSeparatesParts(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	require.Equal(t, Fingerprint("src", "title", "2025-W10"), Fingerprint("src", "title", "2025-W10"))
	require.Len(t, Fingerprint("x"), 64)
}
