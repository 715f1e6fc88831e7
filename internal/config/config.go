// Package config loads questflow settings with Viper.
//
// Precedence, highest first: command-line flags bound by the CLI,
// QUESTFLOW_* environment variables, questflow.yaml in the config
// directory, built-in defaults. A missing questflow.yaml is not an error;
// a default one is written on first use.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	fileName = "questflow"
	fileType = "yaml"
	fileExt  = "questflow.yaml"

	// EnvPrefix prefixes environment overrides, e.g. QUESTFLOW_SERVER_URL.
	EnvPrefix = "QUESTFLOW"

	// EnvConfigDir overrides the config directory.
	EnvConfigDir = "QUESTFLOW_CONFIG_DIR"
)

// Config keys.
const (
	KeyServerURL            = "server_url"
	KeyDBPath               = "db_path"
	KeyQuestionnaire        = "questionnaire"
	KeyQuestionnaireName    = "questionnaire_name"
	KeyToken                = "token"
	KeyDebounce             = "debounce"
	KeyRetryInitialInterval = "retry_initial_interval"
	KeyRetryMaxAttempts     = "retry_max_attempts"
	KeyHTTPTimeout          = "http_timeout"
	KeyListenAddr           = "listen_addr"
)

// Defaults.
const (
	DefaultServerURL            = "http://localhost:8080"
	DefaultDBPath               = "questflow.db"
	DefaultQuestionnaireName    = "onboarding"
	DefaultDebounce             = 400 * time.Millisecond
	DefaultRetryInitialInterval = time.Second
	DefaultRetryMaxAttempts     = 1
	DefaultHTTPTimeout          = 10 * time.Second
	DefaultListenAddr           = ":8080"
)

const defaultConfigYAML = `# questflow configuration

# Session service base URL
server_url: http://localhost:8080

# Local SQLite database, relative to this directory unless absolute
db_path: questflow.db

# Questionnaire definitions (CUE file or directory)
# questionnaire: ./questionnaires
questionnaire_name: onboarding

# Autosave timing
debounce: 400ms
retry_initial_interval: 1s
retry_max_attempts: 1
http_timeout: 10s

# Reference session server
listen_addr: ":8080"
`

// Validation errors.
var (
	ErrServerURLInvalid     = errors.New("server_url must be an absolute http(s) URL")
	ErrDBPathEmpty          = errors.New("db_path must not be empty")
	ErrDebounceInvalid      = errors.New("debounce must be positive")
	ErrRetryIntervalInvalid = errors.New("retry_initial_interval must be positive")
	ErrRetryAttemptsInvalid = errors.New("retry_max_attempts must not be negative")
	ErrHTTPTimeoutInvalid   = errors.New("http_timeout must be positive")
)

// Config is the resolved configuration.
type Config struct {
	Dir string `json:"-" yaml:"-"`

	ServerURL         string `json:"server_url" yaml:"server_url"`
	DBPath            string `json:"db_path" yaml:"db_path"`
	Questionnaire     string `json:"questionnaire" yaml:"questionnaire"`
	QuestionnaireName string `json:"questionnaire_name" yaml:"questionnaire_name"`
	Token             string `json:"-" yaml:"token"`

	Debounce             time.Duration `json:"debounce" yaml:"debounce"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxAttempts     int           `json:"retry_max_attempts" yaml:"retry_max_attempts"`
	HTTPTimeout          time.Duration `json:"http_timeout" yaml:"http_timeout"`

	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// Validate checks that the Config is well-formed. It returns one of the
// sentinel errors above, wrapped with the offending value.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrServerURLInvalid, c.ServerURL)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return ErrDBPathEmpty
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("%w: %s", ErrDebounceInvalid, c.Debounce)
	}
	if c.RetryInitialInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrRetryIntervalInvalid, c.RetryInitialInterval)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("%w: %d", ErrRetryAttemptsInvalid, c.RetryMaxAttempts)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrHTTPTimeoutInvalid, c.HTTPTimeout)
	}
	return nil
}

// ResolveDir returns the config directory: flag, then QUESTFLOW_CONFIG_DIR,
// then DefaultDir.
func ResolveDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return env, nil
	}
	return DefaultDir()
}

// DefaultDir is $XDG_CONFIG_HOME/questflow or the platform equivalent.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "questflow"), nil
}

// New returns a Viper instance with defaults and environment binding but
// no file. The CLI binds its flags onto it before calling Read.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyServerURL, DefaultServerURL)
	v.SetDefault(KeyDBPath, DefaultDBPath)
	v.SetDefault(KeyQuestionnaire, "")
	v.SetDefault(KeyQuestionnaireName, DefaultQuestionnaireName)
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyDebounce, DefaultDebounce)
	v.SetDefault(KeyRetryInitialInterval, DefaultRetryInitialInterval)
	v.SetDefault(KeyRetryMaxAttempts, DefaultRetryMaxAttempts)
	v.SetDefault(KeyHTTPTimeout, DefaultHTTPTimeout)
	v.SetDefault(KeyListenAddr, DefaultListenAddr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads questflow.yaml from dir into v, creating the directory and a
// default file on first run, and returns the resolved Config.
func Read(v *viper.Viper, dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultFile(dir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v.SetConfigName(fileName)
	v.SetConfigType(fileType)
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Dir:                  dir,
		ServerURL:            strings.TrimRight(v.GetString(KeyServerURL), "/"),
		DBPath:               v.GetString(KeyDBPath),
		Questionnaire:        v.GetString(KeyQuestionnaire),
		QuestionnaireName:    v.GetString(KeyQuestionnaireName),
		Token:                v.GetString(KeyToken),
		Debounce:             v.GetDuration(KeyDebounce),
		RetryInitialInterval: v.GetDuration(KeyRetryInitialInterval),
		RetryMaxAttempts:     v.GetInt(KeyRetryMaxAttempts),
		HTTPTimeout:          v.GetDuration(KeyHTTPTimeout),
		ListenAddr:           v.GetString(KeyListenAddr),
	}
	if cfg.DBPath != "" && !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(dir, cfg.DBPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is New followed by Read.
func Load(dir string) (*Config, error) {
	return Read(New(), dir)
}

func ensureDefaultFile(dir string) error {
	path := filepath.Join(dir, fileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
