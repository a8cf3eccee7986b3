package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for editsync.
type Config struct {
	// Remote session store endpoint, e.g. ws://sessions.example.com:8090/sync.
	// Required for the store and resume commands.
	StoreURL string `env:"EDITSYNC_STORE_URL"`

	// Bearer token presented to the store server.
	StoreToken string `env:"EDITSYNC_STORE_TOKEN"`

	// Workspace holds the open workspace folders as a colon-separated list
	// of name=path entries, e.g. "api=/home/me/api:web=/home/me/web".
	// A bare path entry uses its directory base name as the folder name.
	Workspace string `env:"EDITSYNC_WORKSPACE"`

	// ApplyPartials enables acting on partial identity matches during
	// resume. Without it, partial matches are advisory only.
	ApplyPartials bool `env:"EDITSYNC_APPLY_PARTIALS" envDefault:"false"`

	// Extension-profile reconciliation (watch-extensions command).
	ProfilesDir   string `env:"EDITSYNC_PROFILES_DIR"`
	ExtensionsDir string `env:"EDITSYNC_EXTENSIONS_DIR"`

	// Store server settings (editsync-store).
	ListenAddr string `env:"EDITSYNC_LISTEN_ADDR" envDefault:":8090"`
	StoreDB    string `env:"EDITSYNC_STORE_DB"`
	// Bcrypt hash of the accepted bearer token. Empty disables auth
	// (local/test deployments only).
	TokenHash string `env:"EDITSYNC_TOKEN_HASH"`
	// Maximum accepted session payload in bytes.
	MaxSessionBytes int `env:"EDITSYNC_MAX_SESSION_BYTES" envDefault:"10485760"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Folder is one workspace folder parsed from EDITSYNC_WORKSPACE.
type Folder struct {
	Name string
	Path string
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the store token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Folders parses EDITSYNC_WORKSPACE into workspace folders, resolving
// each path to an absolute path. Folder order is the declaration order,
// which identity matching treats as workspace order.
func (c *Config) Folders() ([]Folder, error) {
	if strings.TrimSpace(c.Workspace) == "" {
		return nil, nil
	}

	var folders []Folder
	seen := make(map[string]bool)
	for _, entry := range strings.Split(c.Workspace, ":") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, path, found := strings.Cut(entry, "=")
		if !found {
			path = name
			name = filepath.Base(path)
		}
		if name == "" || path == "" {
			return nil, fmt.Errorf("malformed workspace entry %q", entry)
		}
		// Folder names key change aggregation and identity matching, so
		// two folders sharing a name would silently merge their edits.
		if seen[name] {
			return nil, fmt.Errorf("duplicate workspace folder name %q", name)
		}
		seen[name] = true

		// Downstream path-containment checks rely on string prefix
		// comparison, which only works reliably with absolute paths.
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace folder %q: %w", path, err)
		}

		folders = append(folders, Folder{Name: name, Path: absPath})
	}

	return folders, nil
}

// DefaultStoreDB returns the default store database location:
// ~/.editsync/sessions.db
func DefaultStoreDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".editsync", "sessions.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
