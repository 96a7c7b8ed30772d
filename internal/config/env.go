// Package config provides centralized configuration management.
// Values come from the process environment, optionally seeded from
// ~/.scribe/.env and ./.env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ScribeEnv holds all scribe environment variables.
type ScribeEnv struct {
	// Addr is the HTTP listen address (SCRIBE_ADDR)
	Addr string `env:"SCRIBE_ADDR" envDefault:":8080"`

	// Store selects the persistence backend: sqlite, mongo or memory (SCRIBE_STORE)
	Store      string `env:"SCRIBE_STORE" envDefault:"sqlite"`
	SQLitePath string `env:"SCRIBE_SQLITE_PATH"`
	MongoURI   string `env:"SCRIBE_MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB    string `env:"SCRIBE_MONGO_DB" envDefault:"scribe"`

	// Backend selects the generative backend: openai, anthropic or scripted (SCRIBE_BACKEND)
	Backend string `env:"SCRIBE_BACKEND" envDefault:"anthropic"`
	Model   string `env:"SCRIBE_MODEL"`

	AnthropicKey     string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL"`
	OpenAIKey        string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL"`

	// Execution limits
	MaxRetries       int           `env:"SCRIBE_MAX_RETRIES" envDefault:"3"`
	BackendTimeout   time.Duration `env:"SCRIBE_BACKEND_TIMEOUT" envDefault:"120s"`
	PlannerTimeout   time.Duration `env:"SCRIBE_PLANNER_TIMEOUT" envDefault:"60s"`
	LeaseTimeout     time.Duration `env:"SCRIBE_LEASE_TIMEOUT"` // 0 means twice the backend timeout
	ContinuityTokens int           `env:"SCRIBE_CONTINUITY_TOKENS" envDefault:"500"`
	DefaultBudget    int           `env:"SCRIBE_DEFAULT_BUDGET" envDefault:"10000"`

	// Progress streaming
	KeepAlive    time.Duration `env:"SCRIBE_KEEPALIVE" envDefault:"15s"`
	PollInterval time.Duration `env:"SCRIBE_POLL_INTERVAL" envDefault:"2s"`

	// Auth selects the token verifier: firebase, static or none (SCRIBE_AUTH)
	Auth                string `env:"SCRIBE_AUTH" envDefault:"none"`
	FirebaseProjectID   string `env:"FIREBASE_PROJECT_ID"`
	FirebaseCredentials string `env:"FIREBASE_CREDENTIALS"`
	StaticTokens        string `env:"SCRIBE_STATIC_TOKENS"`
	// User is the local identity used by the CLI and by SCRIBE_AUTH=none
	User string `env:"SCRIBE_USER" envDefault:"local"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"14"`
}

var (
	cfg     *ScribeEnv
	cfgErr  error
	envOnce sync.Once
)

// Load reads .env files and parses the environment. Variables already set
// in the process win over both files, and ./.env wins over the home file.
func Load() (*ScribeEnv, error) {
	for _, f := range []string{".env", GetPaths().EnvFile} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	out := &ScribeEnv{}
	if err := env.Parse(out); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *ScribeEnv) validate() error {
	switch e.Store {
	case "sqlite", "mongo", "memory":
	default:
		return fmt.Errorf("SCRIBE_STORE: unknown store %q", e.Store)
	}
	switch e.Auth {
	case "firebase", "static", "none":
	default:
		return fmt.Errorf("SCRIBE_AUTH: unknown verifier %q", e.Auth)
	}
	if e.MaxRetries < 1 {
		return fmt.Errorf("SCRIBE_MAX_RETRIES must be at least 1")
	}
	if e.BackendTimeout <= 0 {
		return fmt.Errorf("SCRIBE_BACKEND_TIMEOUT must be positive")
	}
	return nil
}

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() (*ScribeEnv, error) {
	envOnce.Do(func() {
		cfg, cfgErr = Load()
	})
	return cfg, cfgErr
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	cfg, cfgErr = nil, nil
}

// SQLiteFile returns the database path, defaulting under the data directory.
func (e *ScribeEnv) SQLiteFile() string {
	if e.SQLitePath != "" {
		return e.SQLitePath
	}
	return filepath.Join(GetPaths().Data, "scribe.db")
}

// Lease returns the stale lease cutoff.
func (e *ScribeEnv) Lease() time.Duration {
	if e.LeaseTimeout > 0 {
		return e.LeaseTimeout
	}
	return 2 * e.BackendTimeout
}

// Paths holds standard scribe directory paths.
type Paths struct {
	// Home is the scribe home directory (~/.scribe)
	Home string

	// Data is the data directory (~/.scribe/data)
	Data string

	// Logs is the log directory (~/.scribe/logs)
	Logs string

	// EnvFile is the .env file path (~/.scribe/.env)
	EnvFile string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration. SCRIBE_HOME
// overrides the home directory.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		root := os.Getenv("SCRIBE_HOME")
		if root == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			root = filepath.Join(home, ".scribe")
		}

		paths = &Paths{
			Home:    root,
			Data:    filepath.Join(root, "data"),
			Logs:    filepath.Join(root, "logs"),
			EnvFile: filepath.Join(root, ".env"),
		}
	})
	return paths
}

// ResetPaths clears the cached paths (for testing).
func ResetPaths() {
	pathsOnce = sync.Once{}
	paths = nil
}

// Path returns a path under the scribe home directory.
func Path(parts ...string) string {
	p := GetPaths()
	return filepath.Join(append([]string{p.Home}, parts...)...)
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
