package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost      = "127.0.0.1"
	DefaultPort      = 7878
	DefaultStaticDir = "html"
)

var ErrIncomplete = errors.New("settings file is missing required keys")

// Config holds the runtime settings persisted in the settings file
type Config struct {
	Host      string `yaml:"host"`
	Port      uint16 `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

// settingsFile mirrors Config with optional fields so missing keys can be
// told apart from zero values
type settingsFile struct {
	Host      *string `yaml:"host"`
	Port      *uint16 `yaml:"port"`
	StaticDir *string `yaml:"static_dir"`
}

func Default() Config {
	return Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		StaticDir: DefaultStaticDir,
	}
}

// Addr returns the host:port listen address
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Load reads the settings file at path. On any failure it returns the
// default Config together with the error, so callers can choose between
// falling back and keeping what they have.
func Load(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	var sf settingsFile
	if err := yaml.Unmarshal(bs, &sf); err != nil {
		return Default(), fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if sf.Host == nil || sf.Port == nil || sf.StaticDir == nil {
		return Default(), fmt.Errorf("%s: %w", path, ErrIncomplete)
	}
	return Config{
		Host:      *sf.Host,
		Port:      *sf.Port,
		StaticDir: *sf.StaticDir,
	}, nil
}

// Save replaces the settings file at path with cfg. The file is written
// next to the target and renamed over it so readers never see a partial
// document.
func Save(path string, cfg Config) error {
	bs, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(bs); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	// An existing file keeps its permissions across the replace
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to set mode on %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
