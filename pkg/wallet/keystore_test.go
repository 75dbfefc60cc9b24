package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinjecture/coinjectured/pkg/core"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.json")

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, Save(key, "hunter2", path))

	loaded, err := Load("hunter2", path)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), loaded.Address())
	assert.Equal(t, key.Seed(), loaded.Seed())

	// The sealed key still signs identically.
	msg := []byte("checkpoint preimage")
	assert.Equal(t, key.Sign(msg), loaded.Sign(msg))
}

func TestLoadWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.json")

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, Save(key, "correct", path))

	_, err = Load("incorrect", path)
	assert.Error(t, err)
}

func TestKeystoreFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.json")

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, Save(key, "pw", path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestKeystoreNeverStoresPlaintextSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.json")

	key, err := core.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, Save(key, "pw", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), string(key.Seed()))
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "validator.json")

	first, err := LoadOrCreate("pw", path)
	require.NoError(t, err)

	second, err := LoadOrCreate("pw", path)
	require.NoError(t, err)
	assert.Equal(t, first.Address(), second.Address(), "second start must load, not regenerate")
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validator.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := Load("pw", path)
	assert.ErrorIs(t, err, core.ErrMalformed)
}
