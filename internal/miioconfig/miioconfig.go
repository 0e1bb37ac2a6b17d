// Package miioconfig persists the miioctl CLI's configuration and learned
// device tokens under the user's home directory.
package miioconfig

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgemesh/miiolink/device"
)

const (
	// ConfigDirName is the name of the CLI's state directory.
	ConfigDirName = ".miiolink"
	// ConfigFileName holds CLI preferences.
	ConfigFileName = "config.json"
	// TokensFileName holds per-device tokens entered manually with
	// `miioctl token set` or `miioctl call --token`.
	TokensFileName = "tokens.json"
)

// Config holds miioctl's own preferences, independent of any device state.
type Config struct {
	Verbose bool `json:"verbose"`
}

// Paths holds the CLI's standard file locations.
type Paths struct {
	ConfigDir  string
	ConfigFile string
	TokensFile string
}

// GetPaths returns the standard paths under the user's home directory.
func GetPaths() (*Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ConfigDirName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
		TokensFile: filepath.Join(configDir, TokensFileName),
	}, nil
}

// EnsureDirectories creates the config directory if it doesn't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p.ConfigDir, err)
	}
	return nil
}

// Default returns a new Config with default values.
func Default() *Config {
	return &Config{Verbose: false}
}

// Load loads the CLI configuration from disk, returning defaults if no
// config file exists yet.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(paths.ConfigFile); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Save writes the CLI configuration to disk.
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(paths.ConfigFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// TokenStore persists device tokens to ~/.miiolink/tokens.json as hex
// strings, keyed by the device's learned numeric id in decimal. It
// implements device.TokenStore so a device handed out by a
// netmanager.Manager loads a stored token automatically when it is
// enriched without one, and it backs `miioctl token set`'s manual entry
// path.
type TokenStore struct {
	path string
}

// NewTokenStore opens the on-disk token store at the standard path.
func NewTokenStore() (*TokenStore, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return &TokenStore{path: paths.TokensFile}, nil
}

func (s *TokenStore) readAll() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read tokens file: %w", err)
	}
	tokens := map[string]string{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse tokens file: %w", err)
	}
	return tokens, nil
}

func (s *TokenStore) writeAll(tokens map[string]string) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write tokens file: %w", err)
	}
	return nil
}

// Load implements device.TokenStore.
func (s *TokenStore) Load(id device.ID) ([16]byte, bool, error) {
	tokens, err := s.readAll()
	if err != nil {
		return [16]byte{}, false, err
	}
	hexToken, ok := tokens[key(id)]
	if !ok {
		return [16]byte{}, false, nil
	}
	raw, err := hex.DecodeString(hexToken)
	if err != nil || len(raw) != 16 {
		return [16]byte{}, false, fmt.Errorf("stored token for device %d is not 16 bytes", id)
	}
	var token [16]byte
	copy(token[:], raw)
	return token, true, nil
}

// Set persists token for id, overwriting any previous entry.
func (s *TokenStore) Set(id device.ID, token [16]byte) error {
	tokens, err := s.readAll()
	if err != nil {
		return err
	}
	tokens[key(id)] = hex.EncodeToString(token[:])
	return s.writeAll(tokens)
}

func key(id device.ID) string {
	return fmt.Sprintf("%d", id)
}
