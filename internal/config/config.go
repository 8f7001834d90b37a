package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	ASR      ASRConfig      `yaml:"asr"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Alert    AlertConfig    `yaml:"alert"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
}

type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	WSReadLimit   int64         `yaml:"ws_read_limit"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StoreConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

type ASRConfig struct {
	Engine            string `yaml:"engine"`
	DefaultLanguage   string `yaml:"default_language"`
	DefaultSampleRate int    `yaml:"default_sample_rate"`
}

type DispatchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	Backoff       time.Duration `yaml:"backoff"`
	RetryStatuses []int         `yaml:"retry_statuses"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	Grace         time.Duration `yaml:"grace"`
}

type AlertConfig struct {
	Keywords []string `yaml:"keywords"`
	Note     string   `yaml:"note"`
}

// PrivacyConfig controls masking of session snapshots on the REST surface.
// All fields default to off.
type PrivacyConfig struct {
	MaskTranscripts bool     `yaml:"mask_transcripts"`
	MaskDeviceIDs   bool     `yaml:"mask_device_ids"`
	AllowedDevices  []string `yaml:"allowed_devices"`
	BlockedDevices  []string `yaml:"blocked_devices"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			WSReadLimit:   1 << 20,
			ShutdownGrace: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Dir: "data/endpoints",
		},
		ASR: ASRConfig{
			Engine:            "scripted",
			DefaultLanguage:   "en",
			DefaultSampleRate: 16000,
		},
		Dispatch: DispatchConfig{
			Timeout:       10 * time.Second,
			RetryCount:    3,
			Backoff:       500 * time.Millisecond,
			RetryStatuses: []int{500, 502, 503, 504, 408, 429},
			Workers:       4,
			QueueSize:     64,
			Grace:         5 * time.Second,
		},
		Alert: AlertConfig{
			Keywords: []string{"help", "help me", "emergency", "sos"},
			Note:     "emergency voice trigger",
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads the config at path, falling back to defaults when the
// file does not exist. Any other read or parse error is still returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Dispatch.RetryCount < 1 {
		return fmt.Errorf("dispatch.retry_count must be at least 1, got %d", c.Dispatch.RetryCount)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive, got %v", c.Dispatch.Timeout)
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.ASR.DefaultSampleRate <= 0 {
		return fmt.Errorf("asr.default_sample_rate must be positive, got %d", c.ASR.DefaultSampleRate)
	}
	return nil
}

// LogLevel parses the configured level, defaulting to info on bad input.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// RetryStatusSet returns the retryable HTTP statuses as a lookup set.
func (c *DispatchConfig) RetryStatusSet() map[int]bool {
	set := make(map[int]bool, len(c.RetryStatuses))
	for _, code := range c.RetryStatuses {
		set[code] = true
	}
	return set
}
