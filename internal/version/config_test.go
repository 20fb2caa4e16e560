package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigStrategies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
parent: /var/lib/verstore/db1
block_size: 4KB
version_size_max: 64GB
version_extension_size: 1MB
max_frames: 2048
batch_insert: true
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	storage, buffering, err := cfg.Strategies()
	require.NoError(t, err)
	require.Equal(t, "/var/lib/verstore/db1", storage.Parent)
	require.Equal(t, 4096, storage.BlockSize)
	require.Equal(t, uint64(64)<<30, storage.VersionSizeMax)
	require.Equal(t, uint64(1)<<20, storage.VersionExtensionSize)
	require.True(t, storage.BatchInsert)
	require.Equal(t, 2048, buffering.MaxFrames)
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := &Config{Parent: "/tmp/x"}
	storage, _, err := cfg.Strategies()
	require.NoError(t, err)
	require.Equal(t, DefaultBlockSize, storage.BlockSize)

	bad := &Config{Parent: "/tmp/x", BlockSize: "1000"} // not a power of two
	_, _, err = bad.Strategies()
	require.ErrorIs(t, err, ErrBadArgument)

	missing := &Config{}
	_, _, err = missing.Strategies()
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestStorageStrategyValidate(t *testing.T) {
	s := &StorageStrategy{Parent: "/tmp/x", BlockSize: 256}
	require.ErrorIs(t, s.Validate(), ErrBadArgument)

	s = &StorageStrategy{Parent: "/tmp/x"}
	require.NoError(t, s.Validate())
	require.Equal(t, DefaultBlockSize, s.BlockSize)
}
