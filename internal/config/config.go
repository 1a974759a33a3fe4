package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port int
	// SecretKey signs and encrypts the session cookie.
	SecretKey string
	// SecretGenerated reports that SecretKey was generated because
	// SECRET_KEY was unset; cookies will not survive a restart.
	SecretGenerated bool
	// AdminToken opens the admin endpoints. Empty keeps them closed.
	AdminToken string

	WorkerCommand   string
	WorkerArgs      []string
	WorkerAPIKeyEnv string
	WorkerModelEnv  string
	WorkerDir       string

	StopTimeout  time.Duration
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	MaxSessions  int

	ModelsFile   string
	CORSOrigins  []string
	CookieSecure bool
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Port:            5000,
		WorkerCommand:   "cursor-agent",
		WorkerAPIKeyEnv: "CURSOR_API_KEY",
		StopTimeout:     5 * time.Second,
		IdleTimeout:     time.Hour,
		ReapInterval:    5 * time.Minute,
		CORSOrigins:     []string{"*"},
	}
}

// Load builds a Config from getenv, typically os.Getenv.
func Load(getenv func(string) string) (Config, error) {
	cfg := Default()
	var errs []error

	if v := getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, errors.New("PORT must be an integer"))
		} else {
			cfg.Port = n
		}
	}

	cfg.SecretKey = getenv("SECRET_KEY")
	cfg.AdminToken = getenv("ADMIN_TOKEN")

	if v := getenv("WORKER_COMMAND"); v != "" {
		cfg.WorkerCommand = v
	}
	if v := getenv("WORKER_ARGS"); v != "" {
		cfg.WorkerArgs = strings.Fields(v)
	}
	if v := getenv("WORKER_API_KEY_ENV"); v != "" {
		cfg.WorkerAPIKeyEnv = v
	}
	cfg.WorkerModelEnv = getenv("WORKER_MODEL_ENV")
	cfg.WorkerDir = getenv("WORKER_DIR")

	parseDuration := func(name string, dst *time.Duration) {
		v := getenv(name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	parseDuration("STOP_TIMEOUT", &cfg.StopTimeout)
	parseDuration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	parseDuration("REAP_INTERVAL", &cfg.ReapInterval)

	if v := getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, errors.New("MAX_SESSIONS must be an integer"))
		} else {
			cfg.MaxSessions = n
		}
	}

	cfg.ModelsFile = getenv("MODELS_FILE")

	if v := getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := getenv("COOKIE_SECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, errors.New("COOKIE_SECURE must be a boolean"))
		} else {
			cfg.CookieSecure = b
		}
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.SecretKey == "" {
		key, err := randomKey()
		if err != nil {
			return Config{}, fmt.Errorf("generate secret key: %w", err)
		}
		cfg.SecretKey = key
		cfg.SecretGenerated = true
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("PORT must be between 1 and 65535")
	}
	if c.SecretKey != "" && len(c.SecretKey) < 16 {
		return errors.New("SECRET_KEY must be at least 16 bytes")
	}
	if c.WorkerCommand == "" {
		return errors.New("WORKER_COMMAND must not be empty")
	}
	if c.WorkerAPIKeyEnv == "" || strings.ContainsAny(c.WorkerAPIKeyEnv, "= ") {
		return fmt.Errorf("invalid WORKER_API_KEY_ENV %q", c.WorkerAPIKeyEnv)
	}
	if c.StopTimeout <= 0 || c.IdleTimeout <= 0 || c.ReapInterval <= 0 {
		return errors.New("STOP_TIMEOUT, IDLE_TIMEOUT and REAP_INTERVAL must be positive")
	}
	if c.MaxSessions < 0 {
		return errors.New("MAX_SESSIONS must not be negative")
	}
	return nil
}

// AllowsOrigin reports whether a browser origin may call the API.
func (c Config) AllowsOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range c.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
