package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/procmem/pkg/proc"
)

const (
	configDir  string = "procmem"
	configFile string = "config.yml"
)

const (
	DefaultImageCacheSize = proc.DefaultImageCacheSize
	DefaultAddrCacheSize  = proc.DefaultAddrCacheSize
	// DefaultMaxDumpBytes caps the output of the read command.
	DefaultMaxDumpBytes = 64 * 1024
	// DefaultHexdumpWidth is the number of bytes printed on each hexdump line.
	DefaultHexdumpWidth = 16
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// ForceTraceAttach skips the process_vm_readv probe and always attaches
	// to the target with ptrace.
	ForceTraceAttach bool `yaml:"force-trace-attach"`

	// ImageCacheSize is the number of parsed binary images kept by each
	// session.
	ImageCacheSize *int `yaml:"image-cache-size,omitempty"`

	// AddrCacheSize is the number of address to symbol lookups remembered
	// by each session between two refreshes of the memory map.
	AddrCacheSize *int `yaml:"addr-cache-size,omitempty"`

	// MaxDumpBytes is the maximum number of bytes the read command prints.
	MaxDumpBytes *int `yaml:"max-dump-bytes,omitempty"`

	// HexdumpWidth is the number of bytes printed on each hexdump line.
	HexdumpWidth int `yaml:"hexdump-width"`
}

// GetImageCacheSize returns the configured image cache size or its default.
func (c *Config) GetImageCacheSize() int {
	if c == nil || c.ImageCacheSize == nil || *c.ImageCacheSize <= 0 {
		return DefaultImageCacheSize
	}
	return *c.ImageCacheSize
}

// GetAddrCacheSize returns the configured address cache size or its
// default. Zero means the cache is disabled.
func (c *Config) GetAddrCacheSize() int {
	if c == nil || c.AddrCacheSize == nil || *c.AddrCacheSize < 0 {
		return DefaultAddrCacheSize
	}
	return *c.AddrCacheSize
}

// GetMaxDumpBytes returns the configured read limit or its default.
func (c *Config) GetMaxDumpBytes() int {
	if c == nil || c.MaxDumpBytes == nil || *c.MaxDumpBytes <= 0 {
		return DefaultMaxDumpBytes
	}
	return *c.MaxDumpBytes
}

// GetHexdumpWidth returns the configured hexdump width or its default.
func (c *Config) GetHexdumpWidth() int {
	if c == nil || c.HexdumpWidth <= 0 || c.HexdumpWidth > 64 {
		return DefaultHexdumpWidth
	}
	return c.HexdumpWidth
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	if len(c.Aliases) == 0 {
		c.Aliases = make(map[string][]string)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for procmem.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given shell command.
aliases:
  # command: ["alias1", "alias2"]

# Always attach with ptrace instead of probing process_vm_readv first.
# force-trace-attach: true

# Number of parsed binary images kept by each session.
# image-cache-size: 64

# Number of address to symbol lookups remembered between two refreshes.
# addr-cache-size: 4096

# Maximum number of bytes printed by the read command.
# max-dump-bytes: 65536

# Number of bytes printed on each hexdump line.
# hexdump-width: 16
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// The file lives in $XDG_CONFIG_HOME/procmem, or ~/.config/procmem when
// XDG_CONFIG_HOME is not set.
func GetConfigFilePath(file string) (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		userConfigDir = "."
	}
	return filepath.Join(userConfigDir, configDir, file), nil
}
