package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the full server configuration.
//
// Field names map 1:1 to the YAML/JSON config file. Durations are strings
// ("30s", "5m") parsed via ParseDurationField so a typo fails loudly at load
// time instead of silently becoming zero.
type Config struct {
	Server   ServerConfig   `json:"server"`
	WA       WAConfig       `json:"wa"`
	Campaign CampaignConfig `json:"campaign"`
	Uploads  UploadsConfig  `json:"uploads"`
	History  HistoryConfig  `json:"history"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Listen string `json:"listen"`
}

// WAConfig configures the WhatsApp provider layer.
//
// CountryCode/TrunkPrefix drive phone canonicalization; the defaults match
// Indonesian numbering ("0812..." -> "62812...").
type WAConfig struct {
	DataDir     string `json:"data_dir"`
	CountryCode string `json:"country_code"`
	TrunkPrefix string `json:"trunk_prefix"`
}

type CampaignConfig struct {
	MinDelaySeconds int    `json:"min_delay_seconds"`
	MaxDelaySeconds int    `json:"max_delay_seconds"`
	SendTimeout     string `json:"send_timeout"`
	RatePerSec      int    `json:"rate_per_sec"`
	// MessageGap is the fixed pause between the text and media messages of a
	// single recipient when media mode is "separate".
	MessageGap string `json:"message_gap"`
}

type UploadsConfig struct {
	Dir       string `json:"dir"`
	TTL       string `json:"ttl"`
	SweepSpec string `json:"sweep_spec"` // cron expression for the orphan janitor
}

type HistoryConfig struct {
	Driver string `json:"driver"` // "sqlite" or "none"
	Path   string `json:"path"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":3000"},
		WA: WAConfig{
			DataDir:     "./data/sessions",
			CountryCode: "62",
			TrunkPrefix: "0",
		},
		Campaign: CampaignConfig{
			MinDelaySeconds: 1,
			MaxDelaySeconds: 120,
			SendTimeout:     "30s",
			RatePerSec:      5,
			MessageGap:      "750ms",
		},
		Uploads: UploadsConfig{
			Dir:       "./data/uploads",
			TTL:       "6h",
			SweepSpec: "*/30 * * * *",
		},
		History: HistoryConfig{Driver: "sqlite", Path: "./data/history.db"},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// ApplyDefaults fills zero-valued fields from Default().
func (c *Config) ApplyDefaults() {
	d := Default()
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = d.Server.Listen
	}
	if strings.TrimSpace(c.WA.DataDir) == "" {
		c.WA.DataDir = d.WA.DataDir
	}
	if strings.TrimSpace(c.WA.CountryCode) == "" {
		c.WA.CountryCode = d.WA.CountryCode
	}
	if strings.TrimSpace(c.WA.TrunkPrefix) == "" {
		c.WA.TrunkPrefix = d.WA.TrunkPrefix
	}
	if c.Campaign.MinDelaySeconds <= 0 {
		c.Campaign.MinDelaySeconds = d.Campaign.MinDelaySeconds
	}
	if c.Campaign.MaxDelaySeconds <= 0 {
		c.Campaign.MaxDelaySeconds = d.Campaign.MaxDelaySeconds
	}
	if strings.TrimSpace(c.Campaign.SendTimeout) == "" {
		c.Campaign.SendTimeout = d.Campaign.SendTimeout
	}
	if c.Campaign.RatePerSec <= 0 {
		c.Campaign.RatePerSec = d.Campaign.RatePerSec
	}
	if strings.TrimSpace(c.Campaign.MessageGap) == "" {
		c.Campaign.MessageGap = d.Campaign.MessageGap
	}
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		c.Uploads.Dir = d.Uploads.Dir
	}
	if strings.TrimSpace(c.Uploads.TTL) == "" {
		c.Uploads.TTL = d.Uploads.TTL
	}
	if strings.TrimSpace(c.Uploads.SweepSpec) == "" {
		c.Uploads.SweepSpec = d.Uploads.SweepSpec
	}
	if strings.TrimSpace(c.History.Driver) == "" {
		c.History.Driver = d.History.Driver
	}
	if strings.TrimSpace(c.History.Path) == "" {
		c.History.Path = d.History.Path
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Campaign.MinDelaySeconds < 0 || c.Campaign.MaxDelaySeconds < c.Campaign.MinDelaySeconds {
		return fmt.Errorf("campaign: invalid delay bounds [%d, %d]",
			c.Campaign.MinDelaySeconds, c.Campaign.MaxDelaySeconds)
	}
	if _, err := ParseDurationField("campaign.send_timeout", c.Campaign.SendTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("campaign.message_gap", c.Campaign.MessageGap); err != nil {
		return err
	}
	if _, err := ParseDurationField("uploads.ttl", c.Uploads.TTL); err != nil {
		return err
	}
	for _, d := range []struct{ path, v string }{
		{"wa.country_code", c.WA.CountryCode},
		{"wa.trunk_prefix", c.WA.TrunkPrefix},
	} {
		if !allDigits(d.v) {
			return fmt.Errorf("%s: must be digits, got %q", d.path, d.v)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case "", "none", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("history.driver: unknown driver %q", c.History.Driver)
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
