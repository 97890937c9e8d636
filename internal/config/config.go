package config

import (
	"fmt"
	"time"

	"github.com/MeKo-Tech/idex/internal/correct"
	"github.com/MeKo-Tech/idex/internal/pipeline"
	"github.com/MeKo-Tech/idex/internal/preprocess"
	"github.com/MeKo-Tech/idex/internal/region"
)

// Config represents the complete configuration for the idex service.
// It supports loading from configuration files, environment variables,
// and command-line flags.
type Config struct {
	// Global settings
	LogLevel     string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose      bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`
	TemplatesDir string `mapstructure:"templates_dir" yaml:"templates_dir" json:"templates_dir"`

	Store      StoreConfig      `mapstructure:"store" yaml:"store" json:"store"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`
	Preprocess PreprocessConfig `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`
	OCR        OCRConfig        `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Correction CorrectionConfig `mapstructure:"correction" yaml:"correction" json:"correction"`
	Face       FaceConfig       `mapstructure:"face" yaml:"face" json:"face"`
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	// Path is the SQLite database file; ":memory:" is accepted for
	// throwaway runs.
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host               string `mapstructure:"host" yaml:"host" json:"host"`
	Port               int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin         string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB        int64  `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec         int    `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PipelineConfig contains orchestration settings.
type PipelineConfig struct {
	Workers               int     `mapstructure:"workers" yaml:"workers" json:"workers"`
	QueueSize             int     `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
	MaxPages              int     `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages"`
	MinOCRConfidence      float64 `mapstructure:"min_ocr_confidence" yaml:"min_ocr_confidence" json:"min_ocr_confidence"`
	MaxOCRAttempts        int     `mapstructure:"max_ocr_attempts" yaml:"max_ocr_attempts" json:"max_ocr_attempts"`
	MaxCorrectionAttempts int     `mapstructure:"max_correction_attempts" yaml:"max_correction_attempts" json:"max_correction_attempts"`
	InitialBackoffMs      int     `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMs          int     `mapstructure:"max_backoff_ms" yaml:"max_backoff_ms" json:"max_backoff_ms"`
	AttachImages          bool    `mapstructure:"attach_images" yaml:"attach_images" json:"attach_images"`
}

// PreprocessConfig contains page normalization settings.
type PreprocessConfig struct {
	MaxDimension int     `mapstructure:"max_dimension" yaml:"max_dimension" json:"max_dimension"`
	Contrast     float64 `mapstructure:"contrast" yaml:"contrast" json:"contrast"`
	Sharpen      float64 `mapstructure:"sharpen" yaml:"sharpen" json:"sharpen"`
	Deskew       bool    `mapstructure:"deskew" yaml:"deskew" json:"deskew"`
}

// OCRConfig contains text recognition settings.
type OCRConfig struct {
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	TimeoutSec int    `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// CorrectionConfig contains AI correction settings.
type CorrectionConfig struct {
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Model         string `mapstructure:"model" yaml:"model" json:"model"`
	TimeoutSec    int    `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Deterministic bool   `mapstructure:"deterministic" yaml:"deterministic" json:"deterministic"`
	Seed          int    `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// FaceConfig contains portrait extraction settings.
type FaceConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ModelPath      string  `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	NumThreads     int     `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
	ScoreThreshold float64 `mapstructure:"score_threshold" yaml:"score_threshold" json:"score_threshold"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", c.Server.MaxUploadMB)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.MaxOCRAttempts < 1 || c.Pipeline.MaxCorrectionAttempts < 1 {
		return fmt.Errorf("retry attempt limits must be at least 1")
	}
	if c.Pipeline.MinOCRConfidence < 0 || c.Pipeline.MinOCRConfidence > 1 {
		return fmt.Errorf("min_ocr_confidence must be in [0,1], got %g", c.Pipeline.MinOCRConfidence)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.Face.Enabled && c.Face.ModelPath == "" {
		return fmt.Errorf("face extraction enabled but no model_path set")
	}
	return nil
}

// PipelineSettings converts the flat file representation into the
// orchestrator's config.
func (c *Config) PipelineSettings() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	if c.Pipeline.MaxPages > 0 {
		cfg.MaxPages = c.Pipeline.MaxPages
	}
	if c.Pipeline.MinOCRConfidence > 0 {
		cfg.MinOCRConfidence = c.Pipeline.MinOCRConfidence
	}
	if c.Pipeline.MaxOCRAttempts > 0 {
		cfg.MaxOCRAttempts = c.Pipeline.MaxOCRAttempts
	}
	if c.Pipeline.MaxCorrectionAttempts > 0 {
		cfg.MaxCorrectionAttempts = c.Pipeline.MaxCorrectionAttempts
	}
	if c.Pipeline.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.Pipeline.InitialBackoffMs) * time.Millisecond
	}
	if c.Pipeline.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.Pipeline.MaxBackoffMs) * time.Millisecond
	}
	cfg.AttachImages = c.Pipeline.AttachImages
	return cfg
}

// PreprocessSettings converts to the preprocessor's config.
func (c *Config) PreprocessSettings() preprocess.Config {
	return preprocess.Config{
		MaxDimension: c.Preprocess.MaxDimension,
		Contrast:     c.Preprocess.Contrast,
		Sharpen:      c.Preprocess.Sharpen,
		Deskew:       c.Preprocess.Deskew,
	}
}

// OCRTimeout returns the per-call OCR timeout.
func (c *Config) OCRTimeout() time.Duration {
	return time.Duration(c.OCR.TimeoutSec) * time.Second
}

// CorrectionSettings converts to the correction client's config.
func (c *Config) CorrectionSettings() correct.OllamaConfig {
	return correct.OllamaConfig{
		Endpoint:      c.Correction.Endpoint,
		Model:         c.Correction.Model,
		Timeout:       time.Duration(c.Correction.TimeoutSec) * time.Second,
		Deterministic: c.Correction.Deterministic,
		Seed:          c.Correction.Seed,
	}
}

// FaceSettings converts to the face detector's config.
func (c *Config) FaceSettings() region.Config {
	cfg := region.DefaultConfig()
	cfg.ModelPath = c.Face.ModelPath
	if c.Face.NumThreads > 0 {
		cfg.NumThreads = c.Face.NumThreads
	}
	if c.Face.ScoreThreshold > 0 {
		cfg.ScoreThreshold = c.Face.ScoreThreshold
	}
	return cfg
}
