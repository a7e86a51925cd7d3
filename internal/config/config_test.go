package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
fetchdir: /var/cache/firmware
sources:
  - name: km271-wifi
    type: github
    platform: ESP32
    repo: dewenni/ESP_Buderus_KM271
    pattern: esp_buderus_km271_${revision}\.bin
  - name: bench-build
    type: pio
    platform: ESP32
    project: /srv/firmware/bench
    env: esp32dev
  - name: golden-image
    type: local
    platform: ESP8266
    path: /srv/firmware/golden.bin
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.FetchDir != "/var/cache/firmware" {
		t.Errorf("expected fetchdir /var/cache/firmware, got %s", cfg.FetchDir)
	}
	if len(cfg.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(cfg.Sources))
	}

	// Declaration order is preserved.
	want := []string{"km271-wifi", "bench-build", "golden-image"}
	for i, name := range want {
		if cfg.Sources[i].Name != name {
			t.Errorf("source %d: expected %s, got %s", i, name, cfg.Sources[i].Name)
		}
	}

	gh := cfg.Sources[0]
	if gh.Kind != KindGitHub {
		t.Errorf("expected kind github, got %s", gh.Kind)
	}
	if gh.Repo != "dewenni/ESP_Buderus_KM271" {
		t.Errorf("unexpected repo %s", gh.Repo)
	}
}

func TestParse_DefaultFetchDir(t *testing.T) {
	cfg, err := Parse([]byte("sources: []"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.FetchDir == "" {
		t.Error("expected a default fetchdir, got empty string")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		reason string
	}{
		{
			name:   "malformed yaml",
			yaml:   "sources: [",
			reason: "not well-formed YAML",
		},
		{
			name: "missing name",
			yaml: `sources:
  - type: local
    path: /tmp/fw.bin`,
			reason: "has no name",
		},
		{
			name: "duplicate name",
			yaml: `sources:
  - name: fw
    type: local
    path: /tmp/a.bin
  - name: fw
    type: local
    path: /tmp/b.bin`,
			reason: "duplicate name",
		},
		{
			name: "missing type",
			yaml: `sources:
  - name: fw`,
			reason: "has no type",
		},
		{
			name: "unknown type",
			yaml: `sources:
  - name: fw
    type: ftp`,
			reason: "unknown source type",
		},
		{
			name: "github without repo",
			yaml: `sources:
  - name: fw
    type: github
    pattern: fw_${revision}\.bin`,
			reason: "requires 'repo'",
		},
		{
			name: "github without pattern",
			yaml: `sources:
  - name: fw
    type: github
    repo: owner/repo`,
			reason: "requires 'pattern'",
		},
		{
			name: "pattern without placeholder",
			yaml: `sources:
  - name: fw
    type: github
    repo: owner/repo
    pattern: firmware\.bin`,
			reason: "placeholder",
		},
		{
			name: "local without path",
			yaml: `sources:
  - name: fw
    type: local`,
			reason: "requires 'path'",
		},
		{
			name: "pio without project",
			yaml: `sources:
  - name: fw
    type: pio`,
			reason: "requires 'project'",
		},
		{
			name: "github with local path",
			yaml: `sources:
  - name: fw
    type: github
    repo: owner/repo
    pattern: fw_${revision}\.bin
    path: /tmp/fw.bin`,
			reason: "must not set local or pio fields",
		},
		{
			name: "github with pio env",
			yaml: `sources:
  - name: fw
    type: github
    repo: owner/repo
    pattern: fw_${revision}\.bin
    env: esp32dev`,
			reason: "must not set local or pio fields",
		},
		{
			name: "local with github repo",
			yaml: `sources:
  - name: fw
    type: local
    path: /tmp/fw.bin
    repo: owner/repo`,
			reason: "must not set github or pio fields",
		},
		{
			name: "pio with local path",
			yaml: `sources:
  - name: fw
    type: pio
    project: /srv/project
    path: /tmp/fw.bin`,
			reason: "must not set github or local fields",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("expected error to mention %q, got: %v", tt.reason, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Sources) != 3 {
		t.Errorf("expected 3 sources, got %d", len(cfg.Sources))
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFind(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if src := cfg.Find("bench-build"); src == nil || src.Kind != KindPio {
		t.Errorf("expected pio source, got %+v", src)
	}
	if src := cfg.Find("missing"); src != nil {
		t.Errorf("expected nil for unknown name, got %+v", src)
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		src  Source
		want string
	}{
		{Source{Kind: KindGitHub, Repo: "owner/repo"}, "GitHub: owner/repo"},
		{Source{Kind: KindLocal, Path: "/srv/fw.bin"}, "Local: /srv/fw.bin"},
		{Source{Kind: KindPio, Project: "/srv/proj"}, "PlatformIO: /srv/proj"},
	}
	for _, tt := range tests {
		if got := tt.src.Description(); got != tt.want {
			t.Errorf("Description() = %q, want %q", got, tt.want)
		}
	}
}
