package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-synthetics/types"
)

// Config contains registry configuration
type Config struct {
	Log log.Logger
	// Files are trigger-config files, read in order
	Files []string
	// PublicIDs replace the files when set
	PublicIDs []string
	// Defaults apply to every test; per-test values take precedence
	Defaults types.Overrides
}

// File is the on-disk format of a trigger-config file
type File struct {
	Suite string                `yaml:"suite,omitempty"`
	Tests []types.TriggerConfig `yaml:"tests"`
}

// Registry resolves the set of tests to trigger
type Registry struct {
	config Config
}

// NewRegistry creates a new registry instance
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if _, err := types.ParseExecutionRule(string(cfg.Defaults.ExecutionRule)); err != nil {
		return nil, fmt.Errorf("invalid default overrides: %w", err)
	}
	return &Registry{config: cfg}, nil
}

// TriggerConfigs returns the configured tests. Public ids given directly win over files.
func (r *Registry) TriggerConfigs() ([]types.TriggerConfig, error) {
	if len(r.config.PublicIDs) > 0 {
		configs := make([]types.TriggerConfig, 0, len(r.config.PublicIDs))
		seen := make(map[string]bool, len(r.config.PublicIDs))
		for _, id := range r.config.PublicIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if seen[id] {
				r.config.Log.Warn("Ignoring duplicate public id", "test_id", id)
				continue
			}
			seen[id] = true
			configs = append(configs, types.TriggerConfig{ID: id, Config: r.config.Defaults})
		}
		r.config.Log.Debug("Using public ids", "count", len(configs), "files_ignored", len(r.config.Files))
		return configs, nil
	}

	var configs []types.TriggerConfig
	definedIn := make(map[string]string)
	for _, path := range r.config.Files {
		fileConfigs, err := r.loadFile(path)
		if err != nil {
			return nil, err
		}
		for _, tc := range fileConfigs {
			if prev, ok := definedIn[tc.ID]; ok {
				return nil, fmt.Errorf("%s: test %s is already defined in %s", path, tc.ID, prev)
			}
			definedIn[tc.ID] = path
		}
		configs = append(configs, fileConfigs...)
	}
	r.config.Log.Debug("Registry loaded", "files", len(r.config.Files), "len(tests)", len(configs))
	return configs, nil
}

func (r *Registry) loadFile(path string) ([]types.TriggerConfig, error) {
	f, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	configs := make([]types.TriggerConfig, 0, len(f.Tests))
	for i, tc := range f.Tests {
		if tc.ID == "" {
			return nil, fmt.Errorf("%s: test %d has no id", path, i)
		}
		if _, err := types.ParseExecutionRule(string(tc.Config.ExecutionRule)); err != nil {
			return nil, fmt.Errorf("%s: test %s: %w", path, tc.ID, err)
		}
		if tc.Suite == "" {
			tc.Suite = f.Suite
		}
		tc.Config = MergeOverrides(r.config.Defaults, tc.Config)
		configs = append(configs, tc)
	}
	return configs, nil
}

func loadConfig(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse trigger config %s: %w", path, err)
	}
	if len(f.Tests) == 0 {
		return nil, errors.New(path + ": no tests defined")
	}
	return &f, nil
}

// MergeOverrides returns base with every field set in override applied on top.
// Header and variable maps are merged key by key.
func MergeOverrides(base, override types.Overrides) types.Overrides {
	out := base
	if override.ExecutionRule != "" {
		out.ExecutionRule = override.ExecutionRule
	}
	if override.StartURL != "" {
		out.StartURL = override.StartURL
	}
	out.Headers = mergeMaps(base.Headers, override.Headers)
	out.Variables = mergeMaps(base.Variables, override.Variables)
	if len(override.DeviceIDs) > 0 {
		out.DeviceIDs = override.DeviceIDs
	}
	if len(override.Locations) > 0 {
		out.Locations = override.Locations
	}
	if override.RetryCount != nil {
		out.RetryCount = override.RetryCount
	}
	if override.Timeout != nil {
		out.Timeout = override.Timeout
	}
	return out
}

func mergeMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
