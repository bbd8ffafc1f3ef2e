package sha256

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)
}

func TestHasherStreamsMatchBytes(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)

	path := filepath.Join(t.TempDir(), "input.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))
	got, err = h.HashFile(path)
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)

	_, err = h.HashFile(filepath.Join(t.TempDir(), "missing.xlsx"))
	require.Error(t, err)
}
