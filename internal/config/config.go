// internal/config/config.go
//
// This package handles configuration and the .cascade directory structure.
// Every workspace released with cascade gets a .cascade/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/cascade/internal/fsutil"
	"github.com/kingrea/cascade/internal/pipeline"
	"github.com/kingrea/cascade/internal/release"
)

const (
	// ProjectDirName is the directory created in each workspace root.
	ProjectDirName = ".cascade"

	configFileName = "config.yaml"
)

const defaultProjectConfigYAML = `# cascade release configuration
version: 1

# Registry passed to cargo publish/yank. Leave empty for crates.io.
registry: ""

# Remote that receives the release commit and tag.
remote: origin
push: true
tag_prefix: v
prerelease_tag: alpha

publish:
  # Minimum spacing between publish starts, to respect registry rate limits.
  inter_package_delay: 15s
  max_retries: 3
  retry_backoff: 2s
  max_backoff: 1m
  max_concurrent_per_tier: 1
  timeout: 5m

git:
  # Commit identity. Empty values fall back to git config.
  author_name: ""
  author_email: ""
  push_timeout: 2m

backups:
  enabled: true
  # Snapshots older than this are pruned by "cascade cleanup". 0 keeps all.
  max_age: 720h
`

// PublishConfig tunes the publish pipeline.
type PublishConfig struct {
	InterPackageDelay    time.Duration `yaml:"inter_package_delay"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxConcurrentPerTier int           `yaml:"max_concurrent_per_tier"`
	Timeout              time.Duration `yaml:"timeout"`
	Cargo                string        `yaml:"cargo,omitempty"`
}

// GitConfig configures commits and pushes.
type GitConfig struct {
	AuthorName  string        `yaml:"author_name,omitempty"`
	AuthorEmail string        `yaml:"author_email,omitempty"`
	PushTimeout time.Duration `yaml:"push_timeout"`
}

// BackupConfig controls state snapshots.
type BackupConfig struct {
	Enabled bool          `yaml:"enabled"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
}

// ProjectConfig models .cascade/config.yaml.
type ProjectConfig struct {
	Version       int           `yaml:"version"`
	Registry      string        `yaml:"registry,omitempty"`
	Remote        string        `yaml:"remote"`
	Push          bool          `yaml:"push"`
	TagPrefix     string        `yaml:"tag_prefix"`
	PrereleaseTag string        `yaml:"prerelease_tag"`
	CommitMessage string        `yaml:"commit_message,omitempty"`
	Publish       PublishConfig `yaml:"publish"`
	Git           GitConfig     `yaml:"git"`
	Backups       BackupConfig  `yaml:"backups"`
}

// Config holds the runtime configuration for one workspace.
type Config struct {
	// ProjectDir is the workspace root.
	ProjectDir string

	// CascadeDir is ProjectDir/.cascade
	CascadeDir string

	Project ProjectConfig
}

// Overrides carries command line values. Nil pointers keep the configured
// value.
type Overrides struct {
	Registry       *string
	Push           *bool
	Backup         *bool
	PackageDelay   *time.Duration
	MaxRetries     *int
	Concurrency    *int
	Timeout        *time.Duration
	AllowDirty     bool
	SkipValidation bool
}

// InitProjectDir creates the .cascade directory structure in projectDir.
//
// Structure created:
// .cascade/
// ├── config.yaml
// ├── logs/         <- release.log
// └── state/        <- release.json, release.json.bak, backups/
func InitProjectDir(projectDir string) error {
	root := filepath.Join(projectDir, ProjectDirName)
	for _, dir := range []string{filepath.Join(root, "logs"), filepath.Join(root, "state")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return ensureProjectConfig(filepath.Join(root, configFileName))
}

// Load reads .cascade/config.yaml under projectDir. A missing file yields
// the defaults.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", projectDir, err)
	}
	cfg := &Config{
		ProjectDir: abs,
		CascadeDir: filepath.Join(abs, ProjectDirName),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StateDir returns the directory holding release state.
func (c *Config) StateDir() string {
	return filepath.Join(c.CascadeDir, "state")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.CascadeDir, "logs")
}

// LogPath returns the release log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "release.log")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.CascadeDir, configFileName)
}

// ReleaseConfig merges the project settings with command line overrides
// into the settings persisted with a new release.
func (c *Config) ReleaseConfig(o Overrides) release.Config {
	p := c.Project
	out := release.Config{
		Registry:             p.Registry,
		Remote:               p.Remote,
		Push:                 p.Push,
		AllowDirty:           o.AllowDirty,
		SkipValidation:       o.SkipValidation,
		Backup:               p.Backups.Enabled,
		TagPrefix:            p.TagPrefix,
		CommitMessage:        p.CommitMessage,
		PackageDelay:         p.Publish.InterPackageDelay,
		MaxRetries:           p.Publish.MaxRetries,
		MaxConcurrentPerTier: p.Publish.MaxConcurrentPerTier,
		Timeout:              p.Publish.Timeout,
	}
	if o.Registry != nil {
		out.Registry = strings.TrimSpace(*o.Registry)
	}
	if o.Push != nil {
		out.Push = *o.Push
	}
	if o.Backup != nil {
		out.Backup = *o.Backup
	}
	if o.PackageDelay != nil && *o.PackageDelay >= 0 {
		out.PackageDelay = *o.PackageDelay
	}
	if o.MaxRetries != nil && *o.MaxRetries >= 0 {
		out.MaxRetries = *o.MaxRetries
	}
	if o.Concurrency != nil && *o.Concurrency > 0 {
		out.MaxConcurrentPerTier = *o.Concurrency
	}
	if o.Timeout != nil && *o.Timeout >= 0 {
		out.Timeout = *o.Timeout
	}
	return out
}

// PipelineConfig returns the retry backoff bounds.
func (c *Config) PipelineConfig() pipeline.Config {
	p := c.Project.Publish
	return pipeline.Config{
		MaxConcurrentPerTier: p.MaxConcurrentPerTier,
		InterPackageDelay:    p.InterPackageDelay,
		MaxRetries:           p.MaxRetries,
		RetryBackoff:         p.RetryBackoff,
		MaxBackoff:           p.MaxBackoff,
		PublishTimeout:       p.Timeout,
	}
}

// Save writes the project config back to .cascade/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	defaults := pipeline.DefaultConfig()
	return ProjectConfig{
		Version:       1,
		Remote:        "origin",
		Push:          true,
		TagPrefix:     "v",
		PrereleaseTag: "alpha",
		Publish: PublishConfig{
			InterPackageDelay:    defaults.InterPackageDelay,
			MaxRetries:           defaults.MaxRetries,
			RetryBackoff:         defaults.RetryBackoff,
			MaxBackoff:           defaults.MaxBackoff,
			MaxConcurrentPerTier: defaults.MaxConcurrentPerTier,
			Timeout:              defaults.PublishTimeout,
		},
		Git:     GitConfig{PushTimeout: 2 * time.Minute},
		Backups: BackupConfig{Enabled: true, MaxAge: 30 * 24 * time.Hour},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Publish.MaxConcurrentPerTier == 0 {
		pc.Publish.MaxConcurrentPerTier = 1
	}
	if pc.Publish.RetryBackoff == 0 {
		pc.Publish.RetryBackoff = pipeline.DefaultConfig().RetryBackoff
	}
	if pc.Publish.MaxBackoff == 0 {
		pc.Publish.MaxBackoff = pipeline.DefaultConfig().MaxBackoff
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Registry = strings.TrimSpace(pc.Registry)
	pc.Remote = strings.TrimSpace(pc.Remote)
	if pc.Remote == "" {
		pc.Remote = "origin"
	}
	pc.TagPrefix = strings.TrimSpace(pc.TagPrefix)
	pc.PrereleaseTag = strings.ToLower(strings.TrimSpace(pc.PrereleaseTag))
	pc.CommitMessage = strings.TrimSpace(pc.CommitMessage)
	pc.Publish.Cargo = strings.TrimSpace(pc.Publish.Cargo)
	pc.Git.AuthorName = strings.TrimSpace(pc.Git.AuthorName)
	pc.Git.AuthorEmail = strings.TrimSpace(pc.Git.AuthorEmail)
	if pc.Publish.MaxBackoff < pc.Publish.RetryBackoff {
		pc.Publish.MaxBackoff = pc.Publish.RetryBackoff
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if strings.ContainsAny(pc.TagPrefix, " \t/") {
		return fmt.Errorf("tag_prefix %q must not contain spaces or slashes", pc.TagPrefix)
	}
	if strings.ContainsAny(pc.PrereleaseTag, " .+") {
		return fmt.Errorf("prerelease_tag %q must be a single identifier", pc.PrereleaseTag)
	}
	if err := pc.Publish.validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if pc.Git.AuthorEmail != "" && !strings.Contains(pc.Git.AuthorEmail, "@") {
		return fmt.Errorf("git: author_email %q is not an email address", pc.Git.AuthorEmail)
	}
	if pc.Git.PushTimeout < 0 {
		return fmt.Errorf("git: push_timeout must not be negative")
	}
	if pc.Backups.MaxAge < 0 {
		return fmt.Errorf("backups: max_age must not be negative")
	}
	return nil
}

func (p PublishConfig) validate() error {
	switch {
	case p.InterPackageDelay < 0:
		return fmt.Errorf("inter_package_delay must not be negative")
	case p.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative")
	case p.MaxConcurrentPerTier < 1:
		return fmt.Errorf("max_concurrent_per_tier must be >= 1")
	case p.Timeout < 0:
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
