package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "GATEWAY"

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// envOverrides are the settings a deployment sets per environment.
// Unset variables leave the file value untouched.
type envOverrides struct {
	Port              *int    `envconfig:"PORT"`
	LogLevel          *string `envconfig:"LOG_LEVEL"`
	LogFormat         *string `envconfig:"LOG_FORMAT"`
	JWTSecret         *string `envconfig:"JWT_SECRET"`
	JWTAlgorithm      *string `envconfig:"JWT_ALGORITHM"`
	AccountServiceURL *string `envconfig:"ACCOUNT_SERVICE_URL"`
	KeysServiceURL    *string `envconfig:"KEYS_SERVICE_URL"`
	RedisAddr         *string `envconfig:"REDIS_ADDR"`
	DatabaseURL       *string `envconfig:"DATABASE_URL"`
}

// Loader reads configuration files.
type Loader struct {
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// LoadConfig loads, defaults and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	return NewLoader().LoadFromReader(r)
}

// Load loads configuration from a file path.
func (l *Loader) Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return l.Parse(data)
}

// LoadFromReader loads configuration from an io.Reader.
func (l *Loader) LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return l.Parse(data)
}

// Parse parses YAML data, then applies defaults and environment
// overrides and validates the result. Unknown keys are rejected.
func (l *Loader) Parse(data []byte) (*Config, error) {
	content := l.substituteEnvVars(string(data))

	cfg := baseConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(content)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	ApplyDefaults(cfg)

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment variable values. $$ escapes a literal dollar sign.
func (l *Loader) substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) >= 3 {
			defaultValue = submatches[2]
		}

		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return defaultValue
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}

// ApplyEnvOverrides applies GATEWAY_* environment variables.
func ApplyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read %s_* environment: %w", EnvPrefix, err)
	}

	if env.Port != nil {
		cfg.Server.Port = *env.Port
	}
	if env.LogLevel != nil {
		cfg.Log.Level = strings.ToLower(*env.LogLevel)
	}
	if env.LogFormat != nil {
		cfg.Log.Format = strings.ToLower(*env.LogFormat)
	}
	if env.JWTSecret != nil {
		cfg.JWT.Secret = *env.JWTSecret
	}
	if env.JWTAlgorithm != nil {
		cfg.JWT.Algorithm = *env.JWTAlgorithm
	}
	if env.AccountServiceURL != nil {
		setServiceURL(cfg, "account", *env.AccountServiceURL)
	}
	if env.KeysServiceURL != nil {
		setServiceURL(cfg, "keys", *env.KeysServiceURL)
	}
	if env.RedisAddr != nil {
		cfg.Redis.Addr = *env.RedisAddr
	}
	if env.DatabaseURL != nil {
		cfg.Database.URL = *env.DatabaseURL
	}
	return nil
}

func setServiceURL(cfg *Config, name, url string) {
	for i := range cfg.Services {
		if cfg.Services[i].Name == name {
			cfg.Services[i].URL = url
		}
	}
}

// ResolveConfigPath resolves a configuration file path, checking common
// locations.
func ResolveConfigPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("config file not found: %s", path)
	}

	if _, err := os.Stat(path); err == nil {
		return filepath.Abs(path)
	}

	commonPaths := []string{
		filepath.Join("configs", path),
		filepath.Join(string(filepath.Separator), "etc", "keyarc", path),
	}
	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", fmt.Errorf("config file not found: %s", path)
}
