package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// RevisionPlaceholder is the token inside a github asset pattern that stands
// for the release tag.
const RevisionPlaceholder = "${revision}"

// SourceKind identifies where a firmware image comes from.
type SourceKind string

const (
	KindGitHub SourceKind = "github"
	KindLocal  SourceKind = "local"
	KindPio    SourceKind = "pio"
)

// Source is one declared firmware origin from sources.yaml.
type Source struct {
	Name     string     `yaml:"name"`
	Kind     SourceKind `yaml:"type"`
	Platform string     `yaml:"platform"`

	// github kind.
	Repo    string `yaml:"repo,omitempty"`
	Pattern string `yaml:"pattern,omitempty"`

	// local kind.
	Path string `yaml:"path,omitempty"`

	// pio kind.
	Project string `yaml:"project,omitempty"`
	Env     string `yaml:"env,omitempty"`
}

// Description renders the human-readable origin summary shown in the catalog.
func (s Source) Description() string {
	switch s.Kind {
	case KindGitHub:
		return "GitHub: " + s.Repo
	case KindLocal:
		return "Local: " + s.Path
	case KindPio:
		return "PlatformIO: " + s.Project
	default:
		return "Type: " + string(s.Kind)
	}
}

// Config is the parsed sources.yaml document.
type Config struct {
	FetchDir string   `yaml:"fetchdir"`
	Sources  []Source `yaml:"sources"`
}

// ValidationError reports a malformed or ambiguous source declaration.
// It is fatal at startup: a config that fails validation yields no Config.
type ValidationError struct {
	Source string // source name, empty for document-level problems
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Source == "" {
		return "invalid sources config: " + e.Reason
	}
	return fmt.Sprintf("invalid source %q: %s", e.Source, e.Reason)
}

// Load reads and parses a sources.yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses and validates a sources document. It is a pure function: no
// network, no filesystem.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("not well-formed YAML: %v", err)}
	}

	if cfg.FetchDir == "" {
		cfg.FetchDir = defaultFetchDir()
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Name == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("source %d has no name", i)}
		}
		if seen[src.Name] {
			return nil, &ValidationError{Source: src.Name, Reason: "duplicate name"}
		}
		seen[src.Name] = true

		if err := validateSource(src); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func validateSource(src Source) error {
	switch src.Kind {
	case KindGitHub:
		if src.Repo == "" {
			return &ValidationError{Source: src.Name, Reason: "github source requires 'repo'"}
		}
		if src.Pattern == "" {
			return &ValidationError{Source: src.Name, Reason: "github source requires 'pattern'"}
		}
		if !strings.Contains(src.Pattern, RevisionPlaceholder) {
			return &ValidationError{Source: src.Name, Reason: "pattern is missing the " + RevisionPlaceholder + " placeholder"}
		}
		if src.Path != "" || src.Project != "" || src.Env != "" {
			return &ValidationError{Source: src.Name, Reason: "github source must not set local or pio fields"}
		}
	case KindLocal:
		if src.Path == "" {
			return &ValidationError{Source: src.Name, Reason: "local source requires 'path'"}
		}
		if src.Repo != "" || src.Pattern != "" || src.Project != "" || src.Env != "" {
			return &ValidationError{Source: src.Name, Reason: "local source must not set github or pio fields"}
		}
	case KindPio:
		if src.Project == "" {
			return &ValidationError{Source: src.Name, Reason: "pio source requires 'project'"}
		}
		if src.Repo != "" || src.Pattern != "" || src.Path != "" {
			return &ValidationError{Source: src.Name, Reason: "pio source must not set github or local fields"}
		}
	case "":
		return &ValidationError{Source: src.Name, Reason: "source has no type"}
	default:
		return &ValidationError{Source: src.Name, Reason: fmt.Sprintf("unknown source type %q", src.Kind)}
	}
	return nil
}

// Find returns the source with the given name, or nil.
func (c *Config) Find(name string) *Source {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i]
		}
	}
	return nil
}

func defaultFetchDir() string {
	return filepath.Join(xdg.CacheHome, "webuiflasher", "firmware")
}
