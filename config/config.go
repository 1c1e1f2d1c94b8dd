// Package config loads the YAML configuration describing which reader
// transport to open and which default keys/timeouts to use, adapted from
// minter/internal/config/config.go's shape (strict-fields YAML decode,
// config-relative path resolution, two-mode validation) to this module's
// reader/session domain in place of minter's SDM/API domain.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationMode selects how strictly Load checks the decoded config.
type ValidationMode int

const (
	// ValidationFull requires every field a live reader session needs.
	ValidationFull ValidationMode = iota
	// ValidationEmulator skips transport/key-file checks, for running
	// against an in-memory fake card with no physical reader attached.
	ValidationEmulator
)

// Config is the top-level decoded document.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Keys      KeysConfig      `yaml:"keys"`
	Session   SessionConfig   `yaml:"session"`
	Log       LogConfig       `yaml:"log"`
}

// TransportKind names which concrete Transport adapter to open.
type TransportKind string

const (
	TransportSerial TransportKind = "serial"
	TransportI2C    TransportKind = "i2c"
	TransportSPI    TransportKind = "spi"
)

// TransportConfig describes the physical link to the reader.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind"`

	// Serial.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	// I2C.
	I2CBus  string `yaml:"i2c_bus"`
	I2CAddr uint16 `yaml:"i2c_addr"`

	// SPI.
	SPIBus string `yaml:"spi_bus"`

	// IRQ, shared by I2C/SPI: the GPIO pin name periph.io/x/host/v3
	// registers for the reader's attention line.
	IRQPin string `yaml:"irq_pin"`
}

// KeysConfig names the key files a default session authenticates with.
type KeysConfig struct {
	RootKeyFile string            `yaml:"root_key_file"`
	AppKeyFiles map[string]string `yaml:"app_key_files"`
}

// SessionConfig carries the default timeouts used when the caller doesn't
// supply its own deadline.
type SessionConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
}

// LogConfig selects the structured-log handler and level.
type LogConfig struct {
	Format string `yaml:"format"` // "text" or "json"
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
}

// Load reads and validates the config at path under ValidationFull.
func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

// LoadWithMode reads, strictly decodes, resolves relative paths, and
// validates the config at path under mode.
func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config under ValidationFull.
func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

// ValidateWithMode checks the config under the given mode.
func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	switch mode {
	case ValidationEmulator:
		return nil
	case ValidationFull:
		return c.validateFullMode()
	default:
		return fmt.Errorf("config: unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	if c.Session.CommandTimeout <= 0 {
		return fmt.Errorf("config.session.command_timeout must be > 0")
	}
	if c.Session.AuthTimeout <= 0 {
		return fmt.Errorf("config.session.auth_timeout must be > 0")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be 'text' or 'json', got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) validateFullMode() error {
	switch c.Transport.Kind {
	case TransportSerial:
		if strings.TrimSpace(c.Transport.Device) == "" {
			return fmt.Errorf("config.transport.device is required for serial transport")
		}
		if c.Transport.Baud <= 0 {
			return fmt.Errorf("config.transport.baud must be > 0 for serial transport")
		}
	case TransportI2C:
		if strings.TrimSpace(c.Transport.I2CBus) == "" {
			return fmt.Errorf("config.transport.i2c_bus is required for i2c transport")
		}
		if c.Transport.I2CAddr == 0 {
			return fmt.Errorf("config.transport.i2c_addr is required for i2c transport")
		}
	case TransportSPI:
		if strings.TrimSpace(c.Transport.SPIBus) == "" {
			return fmt.Errorf("config.transport.spi_bus is required for spi transport")
		}
	default:
		return fmt.Errorf("config.transport.kind must be one of serial, i2c, spi, got %q", c.Transport.Kind)
	}

	if strings.TrimSpace(c.Keys.RootKeyFile) == "" {
		return fmt.Errorf("config.keys.root_key_file is required")
	}
	if err := validateReadableFile(c.Keys.RootKeyFile, "config.keys.root_key_file"); err != nil {
		return err
	}
	for aid, path := range c.Keys.AppKeyFiles {
		if err := validateReadableFile(path, fmt.Sprintf("config.keys.app_key_files[%s]", aid)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	dir := filepath.Dir(configPath)
	c.Keys.RootKeyFile = resolvePath(dir, c.Keys.RootKeyFile)
	for aid, path := range c.Keys.AppKeyFiles {
		c.Keys.AppKeyFiles[aid] = resolvePath(dir, path)
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
