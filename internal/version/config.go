package version

import (
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ───────────────────────────────────────────────────────────────────────────
// Strategies
// ───────────────────────────────────────────────────────────────────────────

const (
	// MinBlockSize is the smallest permitted block size.
	MinBlockSize = 512

	// DefaultBlockSize is used when a strategy leaves the size zero.
	DefaultBlockSize = 4096

	// MaxBlockSize bounds the block size to the largest buffer-pool page.
	MaxBlockSize = 65536
)

// StorageStrategy fixes the on-disk parameters of one versioned file set.
type StorageStrategy struct {
	// Parent is the directory holding MASTER.SYD, VERSION.SYD, SYNCLOG.SYD.
	Parent string

	// BlockSize is the block size of every constituent file; power of two
	// in [MinBlockSize, MaxBlockSize].
	BlockSize int

	// MasterSizeMax and VersionSizeMax cap the respective file sizes;
	// zero means unbounded.
	MasterSizeMax  uint64
	VersionSizeMax uint64

	// VersionExtensionSize is the version log's growth unit; zero picks 64
	// blocks. MasterExtensionSize is parsed and stored but not used: the
	// master data file and the sync log grow only by the blocks they need.
	MasterExtensionSize  uint64
	VersionExtensionSize uint64

	// Mounted starts the file set mounted.
	Mounted bool

	// ReadOnly opens the file set for reading only.
	ReadOnly bool

	// BatchInsert disables per-page modifier lists and new-version
	// allocation. Single writer, no concurrent version readers.
	BatchInsert bool
}

// Validate normalises the strategy and rejects impossible parameter sets.
func (s *StorageStrategy) Validate() error {
	if s.BlockSize == 0 {
		s.BlockSize = DefaultBlockSize
	}
	if s.BlockSize < MinBlockSize || s.BlockSize > MaxBlockSize ||
		s.BlockSize&(s.BlockSize-1) != 0 {
		return errors.Wrapf(ErrBadArgument, "block size %d", s.BlockSize)
	}
	if s.Parent == "" {
		return errors.Wrap(ErrBadArgument, "empty parent directory")
	}
	return nil
}

// BufferingStrategy selects the pool configuration for one file set.
type BufferingStrategy struct {
	// MaxFrames is the buffer pool capacity in blocks.
	MaxFrames int
}

// ───────────────────────────────────────────────────────────────────────────
// YAML configuration
// ───────────────────────────────────────────────────────────────────────────

// Config is the file form of the strategies, with human-readable sizes.
//
//	parent: /var/lib/verstore/db1
//	block_size: 4KB
//	version_size_max: 64GB
//	version_extension_size: 1MB
//	max_frames: 2048
type Config struct {
	Parent               string `yaml:"parent"`
	BlockSize            string `yaml:"block_size"`
	MasterSizeMax        string `yaml:"master_size_max"`
	VersionSizeMax       string `yaml:"version_size_max"`
	MasterExtensionSize  string `yaml:"master_extension_size"`
	VersionExtensionSize string `yaml:"version_extension_size"`
	MaxFrames            int    `yaml:"max_frames"`
	ReadOnly             bool   `yaml:"read_only"`
	BatchInsert          bool   `yaml:"batch_insert"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &c, nil
}

// Strategies converts the config into validated strategy structs.
func (c *Config) Strategies() (StorageStrategy, BufferingStrategy, error) {
	parse := func(s string) (uint64, error) {
		if s == "" {
			return 0, nil
		}
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(s)); err != nil {
			return 0, errors.Wrapf(err, "size %q", s)
		}
		return v.Bytes(), nil
	}

	storage := StorageStrategy{
		Parent:      c.Parent,
		ReadOnly:    c.ReadOnly,
		BatchInsert: c.BatchInsert,
	}
	bs, err := parse(c.BlockSize)
	if err != nil {
		return storage, BufferingStrategy{}, err
	}
	storage.BlockSize = int(bs)
	if storage.MasterSizeMax, err = parse(c.MasterSizeMax); err != nil {
		return storage, BufferingStrategy{}, err
	}
	if storage.VersionSizeMax, err = parse(c.VersionSizeMax); err != nil {
		return storage, BufferingStrategy{}, err
	}
	if storage.MasterExtensionSize, err = parse(c.MasterExtensionSize); err != nil {
		return storage, BufferingStrategy{}, err
	}
	if storage.VersionExtensionSize, err = parse(c.VersionExtensionSize); err != nil {
		return storage, BufferingStrategy{}, err
	}
	if err := storage.Validate(); err != nil {
		return storage, BufferingStrategy{}, err
	}
	return storage, BufferingStrategy{MaxFrames: c.MaxFrames}, nil
}
