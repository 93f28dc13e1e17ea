package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseYAMLWithDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  listen: ":8080"
campaign:
  max_delay_seconds: 60
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Fatalf("listen = %q, want :8080", cfg.Server.Listen)
	}
	if cfg.Campaign.MaxDelaySeconds != 60 {
		t.Fatalf("max delay = %d, want 60", cfg.Campaign.MaxDelaySeconds)
	}
	// Defaults fill the rest.
	if cfg.WA.CountryCode != "62" {
		t.Fatalf("country code = %q, want 62", cfg.WA.CountryCode)
	}
	if cfg.Campaign.MinDelaySeconds != 1 {
		t.Fatalf("min delay = %d, want 1", cfg.Campaign.MinDelaySeconds)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("nonsense: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Campaign.MinDelaySeconds = 30
	cfg.Campaign.MaxDelaySeconds = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inverted delay bounds")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{name: "set", raw: "45s", def: 30 * time.Second, want: 45 * time.Second},
		{name: "unset uses default", raw: "", def: 30 * time.Second, want: 30 * time.Second},
		{name: "whitespace uses default", raw: "  ", def: 750 * time.Millisecond, want: 750 * time.Millisecond},
		{name: "zero uses default", raw: "0s", def: 6 * time.Hour, want: 6 * time.Hour},
		{name: "garbage", raw: "soon", def: time.Second, wantErr: true},
		{name: "negative", raw: "-5s", def: time.Second, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationOrDefault("campaign.send_timeout", tc.raw, tc.def)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationOrDefault(%q) = %v, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationOrDefault(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestValidatePrefixDigits(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.WA.CountryCode = "+62"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-digit country code")
	}
}
