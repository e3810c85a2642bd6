package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"taskpulse/internal/domain"
	"taskpulse/internal/workload"
)

// Config models taskpulse.yml. One copy is stored per project.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Workload struct {
		OverloadThreshold    int     `yaml:"overload_threshold" json:"overload_threshold"`
		DefaultCapacityHours float64 `yaml:"default_capacity_hours" json:"default_capacity_hours"`
		DefaultItemHours     float64 `yaml:"default_item_hours" json:"default_item_hours"`
		HoursPerStoryPoint   float64 `yaml:"hours_per_story_point" json:"hours_per_story_point"`
	} `yaml:"workload" json:"workload"`
	Recommender struct {
		// Candidates at or above this workload are not considered.
		UnderloadThreshold int `yaml:"underload_threshold" json:"underload_threshold"`
	} `yaml:"recommender" json:"recommender"`
	Rebalancer struct {
		UnderloadThreshold int     `yaml:"underload_threshold" json:"underload_threshold"`
		MinSkillRatio      float64 `yaml:"min_skill_ratio" json:"min_skill_ratio"`
		MaxParallel        int     `yaml:"max_parallel" json:"max_parallel"`
	} `yaml:"rebalancer" json:"rebalancer"`
	Scoring struct {
		Weights workload.Weights `yaml:"weights" json:"weights"`
	} `yaml:"scoring" json:"scoring"`
	Policies struct {
		ConfirmPriorities []string `yaml:"confirm_priorities" json:"confirm_priorities"`
	} `yaml:"policies" json:"policies"`
	RBAC struct {
		ExecuteRoles   []string `yaml:"execute_roles" json:"execute_roles"`
		RebalanceRoles []string `yaml:"rebalance_roles" json:"rebalance_roles"`
	} `yaml:"rbac" json:"rbac"`
	Notifications struct {
		NATSURL       string    `yaml:"nats_url" json:"nats_url"`
		SubjectPrefix string    `yaml:"subject_prefix" json:"subject_prefix"`
		Webhooks      []Webhook `yaml:"webhooks" json:"webhooks"`
	} `yaml:"notifications" json:"notifications"`
}

// Webhook is an HTTP endpoint notified of matching events.
type Webhook struct {
	URL    string   `yaml:"url" json:"url"`
	Events []string `yaml:"events" json:"events"`
	Secret string   `yaml:"secret" json:"secret,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tp config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	thresholds := map[string]int{
		"workload.overload_threshold":     c.Workload.OverloadThreshold,
		"recommender.underload_threshold": c.Recommender.UnderloadThreshold,
		"rebalancer.underload_threshold":  c.Rebalancer.UnderloadThreshold,
	}
	for name, v := range thresholds {
		if v < 0 || v > 100 {
			return fmt.Errorf("config.%s must be within 0..100, got %d", name, v)
		}
	}
	if c.Rebalancer.UnderloadThreshold > c.Workload.OverloadThreshold {
		return fmt.Errorf("config.rebalancer.underload_threshold must not exceed workload.overload_threshold")
	}
	if c.Workload.DefaultCapacityHours <= 0 {
		return fmt.Errorf("config.workload.default_capacity_hours must be positive")
	}
	if c.Workload.DefaultItemHours < 0 || c.Workload.HoursPerStoryPoint < 0 {
		return fmt.Errorf("config.workload hours must be non-negative")
	}
	if c.Rebalancer.MinSkillRatio < 0 || c.Rebalancer.MinSkillRatio > 1 {
		return fmt.Errorf("config.rebalancer.min_skill_ratio must be within 0..1")
	}
	if c.Rebalancer.MaxParallel < 0 {
		return fmt.Errorf("config.rebalancer.max_parallel must be non-negative")
	}
	if err := c.Scoring.Weights.Validate(); err != nil {
		return fmt.Errorf("config.scoring.weights: %w", err)
	}
	for _, p := range c.Policies.ConfirmPriorities {
		if !domain.ValidPriority(p) {
			return fmt.Errorf("config.policies.confirm_priorities has unknown priority %s", p)
		}
	}
	for _, list := range [][]string{c.RBAC.ExecuteRoles, c.RBAC.RebalanceRoles} {
		for _, role := range list {
			if !domain.ValidRole(role) {
				return fmt.Errorf("config.rbac references unknown role %s", role)
			}
		}
	}
	for i, h := range c.Notifications.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// WorkloadSettings converts the workload section for the calculator.
func (c *Config) WorkloadSettings() workload.Settings {
	return workload.Settings{
		OverloadThreshold:    c.Workload.OverloadThreshold,
		DefaultCapacityHours: c.Workload.DefaultCapacityHours,
		DefaultItemHours:     c.Workload.DefaultItemHours,
		HoursPerStoryPoint:   c.Workload.HoursPerStoryPoint,
	}
}

// RequiresConfirmation reports whether reassigning an item of this priority
// needs an explicit confirm flag.
func (c *Config) RequiresConfirmation(priority string) bool {
	for _, p := range c.Policies.ConfirmPriorities {
		if p == priority {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskpulse.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

workload:
  overload_threshold: 60
  default_capacity_hours: 40
  default_item_hours: 5
  hours_per_story_point: 2

# The recommender only considers teammates under this workload.
recommender:
  underload_threshold: 60

# Rebalancing only moves work to clearly idle people.
rebalancer:
  underload_threshold: 35
  min_skill_ratio: 0.5
  max_parallel: 8

scoring:
  weights:
    skill: 50
    workload: 30
    role: 20

policies:
  confirm_priorities: [high, highest]

rbac:
  execute_roles: [admin, project_manager, team_lead]
  rebalance_roles: [admin, project_manager]

notifications:
  nats_url: ""
  subject_prefix: taskpulse.events
  webhooks: []
`
