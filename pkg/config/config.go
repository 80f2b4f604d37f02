// Package config loads project manifests (project.yaml), the org chart, and
// the service-level configuration for the AOF host.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/agentfabric/aof/pkg/types"
)

// GateDef is one checkpoint in a workflow definition.
type GateDef struct {
	ID           string `yaml:"id"`
	Role         string `yaml:"role"`
	CanReject    bool   `yaml:"canReject,omitempty"`
	When         string `yaml:"when,omitempty"`
	RequireHuman bool   `yaml:"requireHuman,omitempty"`
	TimeoutMs    int64  `yaml:"timeoutMs,omitempty"`
	EscalateTo   string `yaml:"escalateTo,omitempty"`
}

// Workflow is an ordered list of gates.
type Workflow struct {
	Gates []GateDef `yaml:"gates"`
}

// Gate returns the gate with the given id and its index, or nil.
func (w *Workflow) Gate(id string) (*GateDef, int) {
	for i := range w.Gates {
		if w.Gates[i].ID == id {
			return &w.Gates[i], i
		}
	}
	return nil, -1
}

// Role describes an org chart entry.
type Role struct {
	Title  string   `yaml:"title,omitempty"`
	Agents []string `yaml:"agents,omitempty"`
}

// OrgChart maps role names to role definitions.
type OrgChart struct {
	Roles map[string]Role `yaml:"roles"`
}

// HasRole reports whether the chart defines the role.
func (o *OrgChart) HasRole(name string) bool {
	if o == nil {
		return false
	}
	_, ok := o.Roles[name]
	return ok
}

// CompletionBatch configures a murmur trigger that fires after N
// completions since the last review.
type CompletionBatch struct {
	Threshold int `yaml:"threshold"`
}

// FailureBatch configures a murmur trigger that fires after N failures
// since the last review.
type FailureBatch struct {
	Threshold int `yaml:"threshold"`
}

// Triggers declares when a team's orchestration review fires.
type Triggers struct {
	QueueEmpty      bool             `yaml:"queueEmpty,omitempty"`
	CompletionBatch *CompletionBatch `yaml:"completionBatch,omitempty"`
	FailureBatch    *FailureBatch    `yaml:"failureBatch,omitempty"`
}

// Team declares an org team with an orchestrator agent and review triggers.
type Team struct {
	Orchestrator string   `yaml:"orchestrator"`
	Members      []string `yaml:"members,omitempty"`
	Triggers     Triggers `yaml:"triggers,omitempty"`
}

// Project is the parsed project.yaml manifest.
type Project struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name,omitempty"`
	Participants []string             `yaml:"participants,omitempty"`
	DefaultSLAMs int64                `yaml:"defaultSlaMs,omitempty"`
	Workflows    map[string]*Workflow `yaml:"workflows,omitempty"`
	Org          *OrgChart            `yaml:"orgChart,omitempty"`
	Teams        map[string]*Team     `yaml:"teams,omitempty"`
}

// LoadProject parses and validates a project.yaml file.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks manifest consistency: a project id is required, and every
// gate role and escalation target must reference the org chart roles map.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("project id is required")
	}
	for name, wf := range p.Workflows {
		if wf == nil || len(wf.Gates) == 0 {
			return fmt.Errorf("workflow %q has no gates", name)
		}
		seen := make(map[string]bool, len(wf.Gates))
		for _, gate := range wf.Gates {
			if gate.ID == "" {
				return fmt.Errorf("workflow %q has a gate without an id", name)
			}
			if seen[gate.ID] {
				return fmt.Errorf("workflow %q repeats gate %q", name, gate.ID)
			}
			seen[gate.ID] = true
			if gate.Role == "" {
				return fmt.Errorf("gate %q has no role", gate.ID)
			}
			if !p.Org.HasRole(gate.Role) {
				return fmt.Errorf("gate %q references unknown role %q", gate.ID, gate.Role)
			}
			if gate.EscalateTo != "" && !p.Org.HasRole(gate.EscalateTo) {
				return fmt.Errorf("gate %q escalates to unknown role %q", gate.ID, gate.EscalateTo)
			}
		}
	}
	for name, team := range p.Teams {
		if team == nil || team.Orchestrator == "" {
			return fmt.Errorf("team %q has no orchestrator", name)
		}
	}
	return nil
}

// IsParticipant reports whether the agent is enumerated in the manifest. An
// empty participant list admits every agent.
func (p *Project) IsParticipant(agent string) bool {
	if len(p.Participants) == 0 {
		return true
	}
	for _, a := range p.Participants {
		if a == agent {
			return true
		}
	}
	return false
}

// Workflow returns a named workflow, or nil.
func (p *Project) Workflow(name string) *Workflow {
	if p.Workflows == nil {
		return nil
	}
	return p.Workflows[name]
}

// DefaultSLA returns the project SLA ceiling, falling back to the engine
// default of one hour.
func (p *Project) DefaultSLA() time.Duration {
	if p.DefaultSLAMs > 0 {
		return time.Duration(p.DefaultSLAMs) * time.Millisecond
	}
	return types.DefaultSLAMaxInProgress
}

// Service holds host-level configuration, loaded through viper with AOF_
// environment overrides.
type Service struct {
	VaultRoot     string        `mapstructure:"vault_root"`
	ProjectRoot   string        `mapstructure:"project_root"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent_dispatches"`
	DryRun        bool          `mapstructure:"dry_run"`
	CascadeBlocks bool          `mapstructure:"cascade_blocks"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	LogLevel      string        `mapstructure:"log_level"`
	LogJSON       bool          `mapstructure:"log_json"`
}

// NewViper builds a viper instance with AOF defaults registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AOF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("poll_interval", types.DefaultPollInterval)
	v.SetDefault("poll_timeout", types.DefaultPollTimeout)
	v.SetDefault("max_concurrent_dispatches", types.DefaultMaxConcurrent)
	v.SetDefault("dry_run", false)
	v.SetDefault("cascade_blocks", true)
	v.SetDefault("drain_timeout", types.DefaultDrainTimeout)
	v.SetDefault("metrics_addr", ":9464")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	return v
}

// LoadService reads the service configuration from v, optionally merging a
// config file when path is non-empty.
func LoadService(v *viper.Viper, path string) (*Service, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Service
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.VaultRoot == "" && cfg.ProjectRoot == "" {
		cfg.ProjectRoot = "."
	}
	return &cfg, nil
}
