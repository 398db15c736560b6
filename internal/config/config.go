// Package config loads merge queue settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is looked up in the working directory when no --config is given.
const DefaultFileName = ".mergequeue.toml"

// Tracking store backends.
const (
	BackendGitHub = "github"
	BackendFile   = "file"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that reads and writes Go duration strings ("45m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Minutes is shorthand for building a Duration.
func Minutes(n int) Duration {
	return Duration{time.Duration(n) * time.Minute}
}

// TrackingConfig selects where lock records live.
type TrackingConfig struct {
	// Backend is "github" (issues labeled distributed-lock) or "file".
	Backend string `toml:"backend"`

	// Dir holds record files for the file backend and the host-local flock.
	Dir string `toml:"dir"`
}

// Config holds every recognized option.
type Config struct {
	Repository    string `toml:"repository"`
	DefaultBranch string `toml:"default_branch"`

	// ApproverTeam is the team slug whose members may approve a drain.
	ApproverTeam string `toml:"approver_team"`

	// BotLogin is ignored when scanning for approval responses.
	BotLogin string `toml:"bot_login"`

	ActivationPhrase string `toml:"activation_phrase"`
	CITriggerPhrase  string `toml:"ci_trigger_phrase"`
	CIStartedMarker  string `toml:"ci_started_marker"`

	ApprovalTimeout      Duration `toml:"approval_timeout"`
	ReminderInterval     Duration `toml:"reminder_interval"`
	ApprovalPollInterval Duration `toml:"approval_poll_interval"`

	CIRunTimeout          Duration `toml:"ci_run_timeout"`
	CIStartupTimeout      Duration `toml:"ci_startup_timeout"`
	CIStartupPollInterval Duration `toml:"ci_startup_poll_interval"`
	CheckInterval         Duration `toml:"check_interval"`
	SettleDelay           Duration `toml:"settle_delay"`

	// MergeAdmin merges with elevated privilege, bypassing protection rules.
	MergeAdmin bool `toml:"merge_admin"`

	// MinApprovals is the floor applied to protection-derived approval counts.
	MinApprovals int `toml:"min_approvals"`

	// ProtectedBranchPatterns is only consulted when the protection API is unavailable.
	ProtectedBranchPatterns []string `toml:"protected_branch_patterns"`

	Tracking TrackingConfig `toml:"tracking"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultBranch:         "main",
		ApproverTeam:          "merge-approvals",
		BotLogin:              "github-actions[bot]",
		ActivationPhrase:      "begin-merge",
		CITriggerPhrase:       "Ok to test",
		CIStartedMarker:       "CI job started",
		ApprovalTimeout:       Minutes(60),
		ReminderInterval:      Minutes(15),
		ApprovalPollInterval:  Minutes(1),
		CIRunTimeout:          Minutes(45),
		CIStartupTimeout:      Minutes(5),
		CIStartupPollInterval: Duration{5 * time.Second},
		CheckInterval:         Duration{30 * time.Second},
		SettleDelay:           Duration{10 * time.Second},
		MergeAdmin:            true,
		MinApprovals:          1,
		ProtectedBranchPatterns: []string{
			"main", "master", "develop", "release/*", "release-*", "hotfix/*",
		},
		Tracking: TrackingConfig{
			Backend: BackendGitHub,
			Dir:     ".mergequeue",
		},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values. A missing file is not an error unless mustExist is set.
func Load(path string, mustExist bool) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var problems []string

	if c.DefaultBranch == "" {
		problems = append(problems, "default_branch must not be empty")
	}
	if c.ApproverTeam == "" {
		problems = append(problems, "approver_team must not be empty")
	}
	if strings.TrimSpace(c.CITriggerPhrase) == "" {
		problems = append(problems, "ci_trigger_phrase must not be empty")
	}
	if strings.TrimSpace(c.CIStartedMarker) == "" {
		problems = append(problems, "ci_started_marker must not be empty")
	}

	positive := []struct {
		name string
		d    Duration
	}{
		{"approval_timeout", c.ApprovalTimeout},
		{"reminder_interval", c.ReminderInterval},
		{"approval_poll_interval", c.ApprovalPollInterval},
		{"ci_run_timeout", c.CIRunTimeout},
		{"ci_startup_timeout", c.CIStartupTimeout},
		{"ci_startup_poll_interval", c.CIStartupPollInterval},
		{"check_interval", c.CheckInterval},
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %v", p.name, p.d.Duration))
		}
	}
	if c.SettleDelay.Duration < 0 {
		problems = append(problems, fmt.Sprintf("settle_delay must not be negative, got %v", c.SettleDelay.Duration))
	}
	if c.MinApprovals < 0 {
		problems = append(problems, fmt.Sprintf("min_approvals must not be negative, got %d", c.MinApprovals))
	}

	switch c.Tracking.Backend {
	case BackendGitHub:
	case BackendFile:
		if c.Tracking.Dir == "" {
			problems = append(problems, "tracking.dir is required for the file backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("tracking.backend must be %q or %q, got %q", BackendGitHub, BackendFile, c.Tracking.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Org returns the owner part of Repository ("acme" for "acme/widgets").
func (c *Config) Org() string {
	owner, _, _ := strings.Cut(c.Repository, "/")
	return owner
}

// Write encodes the config as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
