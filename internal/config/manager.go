package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// OrganizationsConfig holds a map of per-organization config overrides.
type OrganizationsConfig struct {
	Organizations map[string]Config `yaml:"organizations"`
}

// Manager resolves the effective config for one organization by merging
// its overrides on top of the global config.
type Manager struct {
	globalConfig  *Config
	orgConfigs    map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both the master config and the per-organization
// override file.
func NewManager(masterPath, organizationsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(organizationsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, orgConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc OrganizationsConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, err
	}

	return &Manager{globalConfig: master, orgConfigs: oc.Organizations}, nil
}

// Get returns the effective config for an organization, merging any
// per-organization override on top of the global config.
func (m *Manager) Get(organizationID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.orgConfigs[organizationID]
	if !ok {
		return &effective
	}

	if override.Webhook.ReplayToleranceSec != 0 {
		effective.Webhook = override.Webhook
	}
	if override.Execution.TimeoutMs != 0 {
		effective.Execution = override.Execution
	}
	if override.Worker.Concurrency != 0 {
		effective.Worker = override.Worker
	}

	return &effective
}
