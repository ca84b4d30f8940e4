package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const FileName = "concord.yml"

// Config models concord.yml.
type Config struct {
	Governance struct {
		CriticalPermissions []string      `yaml:"critical_permissions"`
		Founder             FounderConfig `yaml:"founder"`
	} `yaml:"governance"`
	Voting   VotingDefaults  `yaml:"voting"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	NATS     NATSConfig      `yaml:"nats"`
}

// FounderConfig describes the role granted to the first registered agent.
type FounderConfig struct {
	Role        string   `yaml:"role"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// VotingDefaults seed the voting_config row the first time it is read.
type VotingDefaults struct {
	ApprovalThreshold    float64 `yaml:"approval_threshold"`
	DefaultDurationHours int     `yaml:"default_duration_hours"`
	AllowAbstain         bool    `yaml:"allow_abstain"`
	AllowVoteChange      bool    `yaml:"allow_vote_change"`
	RequireQuorum        bool    `yaml:"require_quorum"`
	QuorumPercentage     float64 `yaml:"quorum_percentage"`
	QuorumBasis          string  `yaml:"quorum_basis"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats a missing enabled flag as on.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

var codePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// ValidPermissionCode reports whether code looks like "area.action".
func ValidPermissionCode(code string) bool {
	return codePattern.MatchString(code)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Governance.CriticalPermissions) == 0 {
		return fmt.Errorf("config.governance.critical_permissions is required")
	}
	for _, code := range c.Governance.CriticalPermissions {
		if !ValidPermissionCode(code) {
			return fmt.Errorf("critical permission %q is not a valid permission code", code)
		}
	}
	if strings.TrimSpace(c.Governance.Founder.Role) == "" {
		return fmt.Errorf("config.governance.founder.role is required")
	}
	if len(c.Governance.Founder.Permissions) == 0 {
		return fmt.Errorf("config.governance.founder.permissions is required")
	}
	for _, code := range c.Governance.Founder.Permissions {
		if !ValidPermissionCode(code) {
			return fmt.Errorf("founder permission %q is not a valid permission code", code)
		}
	}
	v := c.Voting
	if v.ApprovalThreshold <= 0 || v.ApprovalThreshold > 1 {
		return fmt.Errorf("config.voting.approval_threshold must be in (0,1]")
	}
	if v.DefaultDurationHours <= 0 {
		return fmt.Errorf("config.voting.default_duration_hours must be positive")
	}
	if v.QuorumPercentage <= 0 || v.QuorumPercentage > 1 {
		return fmt.Errorf("config.voting.quorum_percentage must be in (0,1]")
	}
	if v.QuorumBasis != "live" && v.QuorumBasis != "snapshot" {
		return fmt.Errorf("config.voting.quorum_basis must be live or snapshot")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with concord init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns Default() when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses YAML on top of the defaults and validates the result.
// Keys missing from data keep their default value.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(DefaultYAML), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsCritical reports whether code is in the critical permission set.
func (c *Config) IsCritical(code string) bool {
	for _, p := range c.Governance.CriticalPermissions {
		if p == code {
			return true
		}
	}
	return false
}

const DefaultYAML = `governance:
  # Revoking a role never leaves one of these codes without a holder.
  critical_permissions:
    - role.assign
    - resolution.create
    - config.update
    - membership.reinstate
  founder:
    role: founder
    description: Bootstrap role with full initial permissions
    permissions:
      - agent.register
      - agent.profile.read
      - agent.profile.update
      - role.create
      - role.update
      - role.delete
      - role.assign
      - role.revoke
      - audit.read
      - audit.export
      - charter.publish
      - discussion.moderate

voting:
  approval_threshold: 0.5
  default_duration_hours: 72
  allow_abstain: true
  allow_vote_change: false
  require_quorum: false
  quorum_percentage: 0.3
  quorum_basis: live

webhooks: []

nats:
  url: ""
  subject_prefix: concord.audit
`
