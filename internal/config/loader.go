package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "idex"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "IDEX"
)

// Loader handles loading configuration from files, environment
// variables, and defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a configuration loader over the global viper
// instance so cobra flag bindings keep working.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// Load reads configuration from the search paths and environment,
// validates it, and returns it. A missing config file is not an
// error; defaults and environment variables apply.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.load("")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	if configFile == "" {
		return l.Load()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configFile)
	}
	cfg, err := l.load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) load(configFile string) (*Config, error) {
	if configFile != "" {
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// addConfigPaths registers the config file search order: working
// directory first, then the user config dir, then /etc.
func (l *Loader) addConfigPaths() {
	l.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", "idex"))
	}
	l.v.AddConfigPath("/etc/idex")
}

// setupEnvironmentVariables enables IDEX_* overrides, with dots and
// dashes in keys mapped to underscores (e.g. IDEX_SERVER_PORT).
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log_level", "info")
	l.v.SetDefault("templates_dir", "")

	l.v.SetDefault("store.path", "idex.db")

	l.v.SetDefault("server.host", "localhost")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.cors_origin", "*")
	l.v.SetDefault("server.max_upload_mb", 25)
	l.v.SetDefault("server.timeout", 30)
	l.v.SetDefault("server.shutdown_timeout", 10)

	l.v.SetDefault("pipeline.workers", 4)
	l.v.SetDefault("pipeline.queue_size", 64)
	l.v.SetDefault("pipeline.max_pages", 20)
	l.v.SetDefault("pipeline.min_ocr_confidence", 0.80)
	l.v.SetDefault("pipeline.max_ocr_attempts", 3)
	l.v.SetDefault("pipeline.max_correction_attempts", 3)
	l.v.SetDefault("pipeline.initial_backoff_ms", 500)
	l.v.SetDefault("pipeline.max_backoff_ms", 15000)
	l.v.SetDefault("pipeline.attach_images", true)

	l.v.SetDefault("preprocess.max_dimension", 2048)
	l.v.SetDefault("preprocess.contrast", 15.0)
	l.v.SetDefault("preprocess.sharpen", 0.6)
	l.v.SetDefault("preprocess.deskew", true)

	l.v.SetDefault("ocr.endpoint", "http://localhost:8868/predict/ocr")
	l.v.SetDefault("ocr.timeout", 60)

	l.v.SetDefault("correction.endpoint", "http://localhost:11434/api/generate")
	l.v.SetDefault("correction.model", "minicpm-v:8b")
	l.v.SetDefault("correction.timeout", 120)
	l.v.SetDefault("correction.deterministic", false)
	l.v.SetDefault("correction.seed", 0)

	l.v.SetDefault("face.enabled", false)
	l.v.SetDefault("face.model_path", "")
	l.v.SetDefault("face.num_threads", 0)
	l.v.SetDefault("face.score_threshold", 0.7)
}
