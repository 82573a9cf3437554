package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// StateFilename is the per-user state document remembering the last chosen
// install path and which launcher wrote it.
const StateFilename = "state.json"

// State is the persisted launcher state.
type State struct {
	InstallPath  string `json:"install_path"`
	InstallerDir string `json:"installer_dir"`
}

// LoadState reads the state file from dataDir. A missing or invalid file
// yields an empty state, not an error. A saved path under the OS temp root
// is distrusted unless it still exists, so stale scratch installs are not
// resurrected.
func LoadState(dataDir string) (State, error) {
	var st State
	data, err := os.ReadFile(filepath.Join(dataDir, StateFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, nil
	}
	if st.InstallPath != "" {
		st.InstallPath = filepath.Clean(st.InstallPath)
		if underTempRoot(st.InstallPath) {
			if _, err := os.Stat(st.InstallPath); err != nil {
				st.InstallPath = ""
			}
		}
	}
	return st, nil
}

// SaveState persists the state file, recording the current executable
// directory so a relocated launcher does not adopt another copy's install.
func SaveState(dataDir string, st State) error {
	if st.InstallerDir == "" {
		if exe, err := os.Executable(); err == nil {
			st.InstallerDir = filepath.Dir(exe)
		}
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, StateFilename), data, 0o600)
}

func underTempRoot(path string) bool {
	tmp := filepath.Clean(os.TempDir())
	rel, err := filepath.Rel(tmp, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
