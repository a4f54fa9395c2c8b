package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultOutputDir        = "evhandlclient"
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReportInterval   = time.Second
)

// Settings are the operator defaults that may come from a TOML file.
// Command line flags override them.
type Settings struct {
	OutputDir         string
	MaxFileSizeMB     uint64
	MaxLoggingMinutes uint32
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReportInterval    time.Duration
	Compress          string
	LogLevel          string
}

func DefaultSettings() Settings {
	return Settings{
		OutputDir:         DefaultOutputDir,
		MaxFileSizeMB:     MaxBytesCeiling / BytesPerMB,
		MaxLoggingMinutes: MaxSecondsCeiling / SecondsPerMinute,
		ConnectTimeout:    DefaultConnectTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		ReportInterval:    DefaultReportInterval,
		Compress:          "none",
		LogLevel:          "info",
	}
}

type fileConfig struct {
	OutputDir         string `toml:"output_dir"`
	MaxFileSizeMB     uint64 `toml:"max_file_size_mb"`
	MaxLoggingMinutes uint32 `toml:"max_logging_minutes"`
	ConnectTimeout    string `toml:"connect_timeout"`
	HandshakeTimeout  string `toml:"handshake_timeout"`
	ReportInterval    string `toml:"report_interval"`
	Compress          string `toml:"compress"`
	LogLevel          string `toml:"log_level"`
}

// LoadSettings applies the keys defined in the file at path over the defaults.
func LoadSettings(path string) (Settings, error) {
	cfg := DefaultSettings()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load evhandl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("load evhandl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("output_dir") {
		if dir := strings.TrimSpace(raw.OutputDir); dir != "" {
			cfg.OutputDir = dir
		}
	}

	if meta.IsDefined("max_file_size_mb") {
		cfg.MaxFileSizeMB = raw.MaxFileSizeMB
	}

	if meta.IsDefined("max_logging_minutes") {
		cfg.MaxLoggingMinutes = raw.MaxLoggingMinutes
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Settings{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return Settings{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}

	if meta.IsDefined("report_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReportInterval))
		if err != nil {
			return Settings{}, fmt.Errorf("parse report_interval: %w", err)
		}
		cfg.ReportInterval = d
	}

	if meta.IsDefined("compress") {
		cfg.Compress = strings.ToLower(strings.TrimSpace(raw.Compress))
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (s Settings) Validate() error {
	if _, err := LimitsFromUnits(s.MaxFileSizeMB, s.MaxLoggingMinutes); err != nil {
		return err
	}
	if s.ConnectTimeout < 0 || s.HandshakeTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if s.ReportInterval <= 0 {
		return fmt.Errorf("report_interval must be positive")
	}
	return nil
}
