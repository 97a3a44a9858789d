package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"traceline/internal/assign"
	"traceline/internal/workflow"
)

// Config models traceline.yml.
type Config struct {
	Program struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Prefix string `yaml:"prefix"`
	} `yaml:"program"`
	Roles struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"roles"`
	Locks struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"locks"`
	Assignment struct {
		DistributionMethod        string `yaml:"distribution_method"`
		ValidatorsPerTest         int    `yaml:"validators_per_test"`
		CrossValidationPercentage int    `yaml:"cross_validation_percentage"`
	} `yaml:"assignment"`
	Notifications struct {
		Webhooks []string `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl program config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Program.ID == "" {
		return fmt.Errorf("config.program.id is required")
	}
	if c.Program.Prefix == "" {
		return fmt.Errorf("config.program.prefix is required")
	}
	for roleID := range c.Roles.Catalog {
		if roleID == "" {
			return fmt.Errorf("config.roles.catalog contains empty role id")
		}
		if !workflow.KnownRole(roleID) {
			return fmt.Errorf("config.roles.catalog contains unknown role %s", roleID)
		}
	}
	if len(c.Roles.Catalog) > 0 {
		if _, ok := c.Roles.Catalog[workflow.RoleAdmin]; !ok {
			return fmt.Errorf("config.roles.catalog must include %s", workflow.RoleAdmin)
		}
	}
	if c.Locks.TTLMinutes <= 0 {
		return fmt.Errorf("config.locks.ttl_minutes must be positive")
	}
	switch c.Assignment.DistributionMethod {
	case assign.MethodEqual, assign.MethodWeighted:
	default:
		return fmt.Errorf("config.assignment.distribution_method must be equal or weighted")
	}
	if c.Assignment.ValidatorsPerTest < 2 {
		return fmt.Errorf("config.assignment.validators_per_test must be at least 2")
	}
	if c.Assignment.CrossValidationPercentage < 0 || c.Assignment.CrossValidationPercentage > 100 {
		return fmt.Errorf("config.assignment.cross_validation_percentage must be 0-100")
	}
	for _, url := range c.Notifications.Webhooks {
		if url == "" {
			return fmt.Errorf("config.notifications.webhooks contains empty url")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "traceline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(programID string) string {
	return fmt.Sprintf(defaultTemplate, programID)
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

// Default returns the default Config struct for a program.
func Default(programID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, programID))).Decode(&cfg)
	cfg.Program.ID = programID
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

const defaultTemplate = `program:
  id: %s
  name: Healthcare Requirements Program
  prefix: HRS

roles:
  catalog:
    admin:
      description: "Program administrator; full workflow access"
    business_analyst:
      description: "Authors and shepherds requirement stories"
    clinical_sme:
      description: "Clinical subject-matter reviewer"
    stakeholder:
      description: "Client stakeholder; signs off client review"
    developer:
      description: "Builds approved stories and fixes defects"
    uat_tester:
      description: "Executes assigned UAT test cases"
    uat_verifier:
      description: "Verifies passed executions and fix quality"

locks:
  ttl_minutes: 15

assignment:
  distribution_method: weighted
  validators_per_test: 2
  cross_validation_percentage: 20

notifications:
  webhooks: []
`
