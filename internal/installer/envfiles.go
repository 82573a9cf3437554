package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loykin/stackd/internal/config"
)

// writeEnvFiles generates the backend and frontend .env files from the
// settings document. Existing files are kept so hand edits survive
// updates.
func writeEnvFiles(cfg config.Config, s config.Settings) error {
	backendEnv := filepath.Join(cfg.BackendDir(), ".env")
	if !fileExists(backendEnv) {
		if err := os.WriteFile(backendEnv, []byte(backendEnvContent(s)), 0o600); err != nil {
			return fmt.Errorf("write backend env file: %w", err)
		}
	}
	frontendEnv := filepath.Join(cfg.FrontendDir(), ".env")
	if !fileExists(frontendEnv) {
		if err := os.WriteFile(frontendEnv, []byte(frontendEnvContent(s)), 0o600); err != nil {
			return fmt.Errorf("write frontend env file: %w", err)
		}
	}
	return nil
}

func backendEnvContent(s config.Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HOST=%s\n", s.Network.BackendHost)
	fmt.Fprintf(&b, "PORT=%d\n", s.Network.BackendPort)
	fmt.Fprintf(&b, "APP_ENV=production\n")
	fmt.Fprintf(&b, "DEBUG=%t\n", s.Security.DebugMode)
	fmt.Fprintf(&b, "SECRET_KEY=%s\n", newSecret())
	fmt.Fprintf(&b, "JWT_SECRET=%s\n", newSecret())
	fmt.Fprintf(&b, "ENABLE_REGISTRATION=%t\n", s.Security.EnableRegistration)
	fmt.Fprintf(&b, "ENABLE_API_DOCS=%t\n", s.Security.EnableAPIDocs)
	fmt.Fprintf(&b, "CORS_ORIGINS=http://%s:%d\n", displayHost(s.Network.FrontendHost), s.Network.FrontendPort)
	return b.String()
}

func frontendEnvContent(s config.Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "VITE_API_URL=http://%s:%d\n", displayHost(s.Network.BackendHost), s.Network.BackendPort)
	fmt.Fprintf(&b, "VITE_HOST=%s\n", s.Network.FrontendHost)
	fmt.Fprintf(&b, "VITE_PORT=%d\n", s.Network.FrontendPort)
	return b.String()
}

// newSecret returns a 64-character hex token.
func newSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") +
		strings.ReplaceAll(uuid.NewString(), "-", "")
}

// displayHost maps wildcard bind addresses to an address a browser can
// actually reach.
func displayHost(host string) string {
	switch host {
	case "", "*", "0.0.0.0", "::":
		return "127.0.0.1"
	default:
		return host
	}
}
