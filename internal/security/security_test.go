package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePassphrase(t *testing.T) {
	for i := 0; i < 50; i++ {
		p, err := GeneratePassphrase()
		require.NoError(t, err)

		assert.GreaterOrEqual(t, len(p), MinPassphraseLength)
		assert.LessOrEqual(t, len(p), MaxPassphraseLength)
		assert.GreaterOrEqual(t, uniqueCount([]byte(p)), MinUniqueChars)

		assert.True(t, strings.IndexFunc(p, unicode.IsUpper) >= 0, "missing upper case")
		assert.True(t, strings.IndexFunc(p, unicode.IsLower) >= 0, "missing lower case")
		assert.True(t, strings.IndexFunc(p, unicode.IsDigit) >= 0, "missing digit")
		assert.True(t, strings.ContainsAny(p, "!@$?_-"), "missing symbol")
	}
}

func TestKeyringRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ring := NewKeyring()

	path, err := ring.GenerateKey(dir, "cluster_a")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.True(t, ring.KeyExists("cluster_a"))

	ct, iv, err := EncryptString(ring, "cluster_a", "open sesame")
	require.NoError(t, err)

	// A second ring loaded from disk decrypts what the first produced.
	other := NewKeyring()
	n, err := other.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	plain, err := DecryptString(other, "cluster_a", ct, iv)
	require.NoError(t, err)
	assert.Equal(t, "open sesame", plain)

	fa, err := ring.Fingerprint("cluster_a")
	require.NoError(t, err)
	fb, err := other.Fingerprint("cluster_a")
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 16)
}

func TestKeyringErrors(t *testing.T) {
	ring := NewKeyring()

	_, _, err := ring.Encrypt("missing", []byte("x"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, ring.Add("../escape", make([]byte, KeySize)), ErrInvalidKeyName)
	assert.Error(t, ring.Add("short", make([]byte, 8)))

	require.NoError(t, ring.Add("a", make([]byte, KeySize)))
	key := make([]byte, KeySize)
	key[0] = 1
	require.NoError(t, ring.Add("b", key))

	ct, iv, err := ring.Encrypt("a", []byte("secret"))
	require.NoError(t, err)
	_, err = ring.Decrypt("b", ct, iv)
	assert.Error(t, err)
}

func TestLoadDirSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.key"), []byte("not base64!"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0600))

	ring := NewKeyring()
	n, err := ring.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, ring.Names())
}
