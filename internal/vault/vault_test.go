package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	sealed, err := v.Encrypt("api-key-12345")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "api-key-12345", "ciphertext must not contain plaintext")

	opened, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "api-key-12345", opened)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	a, err := v.Encrypt("secret")
	require.NoError(t, err)
	b, err := v.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonces must differ per call")
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	sealed, err := v.Encrypt("secret")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = v.Decrypt(sealed)
	assert.Error(t, err)
}

func TestDecryptRejectsShortInput(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = v.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestKeySurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	v1, err := Open(dir)
	require.NoError(t, err)
	sealed, err := v1.Encrypt("persisted")
	require.NoError(t, err)

	v2, err := Open(dir)
	require.NoError(t, err)
	opened, err := v2.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "persisted", opened)
}

func TestCorruptMachineSecretFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "machine.secret"), []byte("truncated"), 0600))

	_, err := Open(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault unavailable")
}

func TestSecretFilePermissions(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "machine.secret"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
