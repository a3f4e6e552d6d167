// Package config loads the cluster layout shared by the client, the metadata
// service and the block shards.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	logs "github.com/danmuck/smplog"
)

var ErrInvalidConfig = errors.New("invalid config")

// ClientConfig tunes the reconciler. Zero values fall back to defaults.
type ClientConfig struct {
	BlockSize   int `toml:"block_size"`
	MaxAttempts int `toml:"max_attempts"`
	Parallelism int `toml:"parallelism"`
}

// ClusterConfig lists the metadata service and the ordered block shards.
// Shard i is Blocks[i]; the order is part of the routing contract.
type ClusterConfig struct {
	Shards   int          `toml:"shards"`
	Metadata string       `toml:"metadata"`
	Blocks   []string     `toml:"blocks"`
	Client   ClientConfig `toml:"client"`

	// Path is the file the config was loaded from.
	Path string `toml:"-"`
}

// Load reads path as TOML when it ends in .toml, otherwise as the legacy
// "key: value" format, and validates the result.
func Load(path string) (ClusterConfig, error) {
	var (
		cfg ClusterConfig
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		cfg, err = loadTOML(path)
	} else {
		cfg, err = loadLegacy(path)
	}
	if err != nil {
		return ClusterConfig{}, err
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return ClusterConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	logs.Debugf("config.Load(%s): metadata=%s shards=%d", path, cfg.Metadata, cfg.Shards)
	return cfg, nil
}

func loadTOML(path string) (ClusterConfig, error) {
	var cfg ClusterConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ClusterConfig{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return cfg, nil
}

func loadLegacy(path string) (ClusterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return ParseLegacy(f)
}

// ParseLegacy reads one "key: value" pair per line:
//
//	B: 2
//	metadata: localhost:8080
//	block0: localhost:8081
//	block1: localhost:8082
//
// Blank lines and lines starting with '#' are skipped. B may be omitted, in
// which case it is inferred from the block entries. The result is not
// validated.
func ParseLegacy(r io.Reader) (ClusterConfig, error) {
	var cfg ClusterConfig
	blocks := make(map[int]string)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return ClusterConfig{}, fmt.Errorf("%w: line %d: expected key: value", ErrInvalidConfig, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "B":
			n, err := strconv.Atoi(value)
			if err != nil {
				return ClusterConfig{}, fmt.Errorf("%w: line %d: B: %v", ErrInvalidConfig, lineNo, err)
			}
			cfg.Shards = n
		case key == "metadata":
			cfg.Metadata = value
		case strings.HasPrefix(key, "block"):
			idx, err := strconv.Atoi(strings.TrimPrefix(key, "block"))
			if err != nil || idx < 0 {
				return ClusterConfig{}, fmt.Errorf("%w: line %d: bad block key %q", ErrInvalidConfig, lineNo, key)
			}
			if _, dup := blocks[idx]; dup {
				return ClusterConfig{}, fmt.Errorf("%w: line %d: duplicate %s", ErrInvalidConfig, lineNo, key)
			}
			blocks[idx] = value
		default:
			logs.Warnf("config: line %d: ignoring unknown key %q", lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return ClusterConfig{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.Blocks = make([]string, len(blocks))
	for idx, addr := range blocks {
		if idx >= len(blocks) {
			return ClusterConfig{}, fmt.Errorf("%w: block indexes must be 0..%d, found block%d", ErrInvalidConfig, len(blocks)-1, idx)
		}
		cfg.Blocks[idx] = addr
	}
	return cfg, nil
}

// Validate infers Shards when it is zero and checks the layout is usable.
func (c *ClusterConfig) Validate() error {
	if c.Shards == 0 {
		c.Shards = len(c.Blocks)
	}
	if c.Shards < 1 {
		return fmt.Errorf("%w: at least one block shard is required", ErrInvalidConfig)
	}
	if c.Shards != len(c.Blocks) {
		return fmt.Errorf("%w: B is %d but %d block address(es) are listed", ErrInvalidConfig, c.Shards, len(c.Blocks))
	}
	if err := checkAddress("metadata", c.Metadata); err != nil {
		return err
	}
	for i, addr := range c.Blocks {
		if err := checkAddress(fmt.Sprintf("block%d", i), addr); err != nil {
			return err
		}
	}
	if c.Client.BlockSize < 0 || c.Client.MaxAttempts < 0 || c.Client.Parallelism < 0 {
		return fmt.Errorf("%w: client settings must not be negative", ErrInvalidConfig)
	}
	return nil
}

// BlockAddress returns the address of shard idx.
func (c ClusterConfig) BlockAddress(idx int) (string, error) {
	if idx < 0 || idx >= len(c.Blocks) {
		return "", fmt.Errorf("%w: no block shard %d (have %d)", ErrInvalidConfig, idx, len(c.Blocks))
	}
	return c.Blocks[idx], nil
}

// Dir is the directory holding the config file, "." when unknown.
func (c ClusterConfig) Dir() string {
	if c.Path == "" {
		return "."
	}
	return filepath.Dir(c.Path)
}

// WriteTOML encodes c in the TOML layout Load accepts.
func (c ClusterConfig) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func checkAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: %s address is empty", ErrInvalidConfig, name)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %s address %q: %v", ErrInvalidConfig, name, addr, err)
	}
	return nil
}
