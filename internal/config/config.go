// Package config holds the immutable launcher configuration, the JSON
// settings document shared with the installed application, and the
// per-user state file that remembers the chosen install path.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/loykin/stackd/internal/ports"
)

// SettingsFilename is the JSON settings document stored both in the
// install root (post-install) and in the data dir (pre-install).
const SettingsFilename = "settings.json"

// Config is built once in main and passed to every component. It is never
// mutated after construction.
type Config struct {
	DataDir     string // per-user launcher data (state, pre-install settings, logs)
	InstallRoot string // live application root containing backend/ and frontend/
	RepoURL     string
	Branch      string
	CondaPrefix string // runtime environment prefix
	LogDir      string
	Debug       bool
}

// New resolves a Config from the persisted state file and optional
// overrides. installRoot == "" falls back to the saved or default path.
func New(installRoot string, debug bool) (Config, error) {
	dataDir, err := DefaultDataDir()
	if err != nil {
		return Config{}, err
	}
	if installRoot == "" {
		if st, err := LoadState(dataDir); err == nil && st.InstallPath != "" {
			installRoot = st.InstallPath
		}
	}
	if installRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home dir: %w", err)
		}
		installRoot = filepath.Join(home, "stackd", "app")
	}
	return Config{
		DataDir:     dataDir,
		InstallRoot: installRoot,
		RepoURL:     "https://github.com/BrainDriveAI/BrainDrive.git",
		Branch:      "main",
		CondaPrefix: filepath.Join(dataDir, "runtime", "stackd-env"),
		LogDir:      filepath.Join(dataDir, "logs"),
		Debug:       debug,
	}, nil
}

// BackendDir returns the backend service directory inside the install root.
func (c Config) BackendDir() string { return filepath.Join(c.InstallRoot, "backend") }

// FrontendDir returns the frontend service directory inside the install root.
func (c Config) FrontendDir() string { return filepath.Join(c.InstallRoot, "frontend") }

// DefaultDataDir returns the per-user launcher data directory, honoring the
// STACKD_DATA_DIR override used by tests and portable installs.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv("STACKD_DATA_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "stackd"), nil
}

// Settings is the user-facing configuration document. Sections mirror the
// JSON layout consumed by the installed application's env templates.
type Settings struct {
	Version  string `mapstructure:"version" json:"version"`
	Network  struct {
		BackendHost  string `mapstructure:"backend_host" json:"backend_host"`
		BackendPort  uint16 `mapstructure:"backend_port" json:"backend_port"`
		FrontendHost string `mapstructure:"frontend_host" json:"frontend_host"`
		FrontendPort uint16 `mapstructure:"frontend_port" json:"frontend_port"`
	} `mapstructure:"network" json:"network"`
	Security struct {
		EnableRegistration bool `mapstructure:"enable_registration" json:"enable_registration"`
		EnableAPIDocs      bool `mapstructure:"enable_api_docs" json:"enable_api_docs"`
		DebugMode          bool `mapstructure:"debug_mode" json:"debug_mode"`
	} `mapstructure:"security" json:"security"`
	UI struct {
		DefaultTheme    string `mapstructure:"default_theme" json:"default_theme"`
		EnablePWA       bool   `mapstructure:"enable_pwa" json:"enable_pwa"`
		EnableAnalytics bool   `mapstructure:"enable_analytics" json:"enable_analytics"`
	} `mapstructure:"ui" json:"ui"`
	Installation struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"installation" json:"installation"`
}

// PortPair returns the configured backend/frontend ports as a pair.
func (s Settings) PortPair() ports.Pair {
	return ports.Pair{Backend: s.Network.BackendPort, Frontend: s.Network.FrontendPort}
}

// DefaultSettings returns the document written on first run.
func DefaultSettings(installPath string) Settings {
	var s Settings
	s.Version = "1.0.0"
	s.Network.BackendHost = "localhost"
	s.Network.BackendPort = ports.DefaultPairs[0].Backend
	s.Network.FrontendHost = "localhost"
	s.Network.FrontendPort = ports.DefaultPairs[0].Frontend
	s.Security.EnableRegistration = true
	s.Security.EnableAPIDocs = true
	s.UI.DefaultTheme = "light"
	s.UI.EnablePWA = true
	s.Installation.Path = installPath
	return s
}

// Store reads and writes a settings document at a fixed path.
type Store struct {
	Path string
}

// NewStore returns a store for the settings file inside dir.
func NewStore(dir string) *Store {
	return &Store{Path: filepath.Join(dir, SettingsFilename)}
}

// Exists reports whether the settings file is present on disk.
func (st *Store) Exists() bool {
	_, err := os.Stat(st.Path)
	return err == nil
}

// Load parses the settings document, filling defaults for a missing file
// or unparseable content rather than failing.
func (st *Store) Load() Settings {
	defaults := DefaultSettings(filepath.Dir(st.Path))
	v := viper.New()
	v.SetConfigFile(st.Path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return defaults
	}
	s := defaults
	if err := v.Unmarshal(&s); err != nil {
		return defaults
	}
	if s.Network.BackendPort == 0 {
		s.Network.BackendPort = defaults.Network.BackendPort
	}
	if s.Network.FrontendPort == 0 {
		s.Network.FrontendPort = defaults.Network.FrontendPort
	}
	if s.Network.BackendHost == "" {
		s.Network.BackendHost = defaults.Network.BackendHost
	}
	if s.Network.FrontendHost == "" {
		s.Network.FrontendHost = defaults.Network.FrontendHost
	}
	return s
}

// Save writes the settings document, creating parent directories as needed.
func (st *Store) Save(s Settings) error {
	if err := os.MkdirAll(filepath.Dir(st.Path), 0o750); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(st.Path)
	v.SetConfigType("json")
	v.Set("version", s.Version)
	v.Set("network.backend_host", s.Network.BackendHost)
	v.Set("network.backend_port", s.Network.BackendPort)
	v.Set("network.frontend_host", s.Network.FrontendHost)
	v.Set("network.frontend_port", s.Network.FrontendPort)
	v.Set("security.enable_registration", s.Security.EnableRegistration)
	v.Set("security.enable_api_docs", s.Security.EnableAPIDocs)
	v.Set("security.debug_mode", s.Security.DebugMode)
	v.Set("ui.default_theme", s.UI.DefaultTheme)
	v.Set("ui.enable_pwa", s.UI.EnablePWA)
	v.Set("ui.enable_analytics", s.UI.EnableAnalytics)
	v.Set("installation.path", s.Installation.Path)
	return v.WriteConfigAs(st.Path)
}

// ActiveStore returns the settings store to consult: the install root when
// the application is installed there, otherwise the pre-install data dir.
func ActiveStore(cfg Config, installed bool) *Store {
	if installed {
		return NewStore(cfg.InstallRoot)
	}
	return NewStore(cfg.DataDir)
}
