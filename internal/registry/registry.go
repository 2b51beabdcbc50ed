// Package registry defines the boundary to the external agent-configuration
// store and versioning layer. The CRUD surface of those collaborators lives
// outside drover; the core consumes only the lookup and commit interfaces
// declared here. A read-only YAML-backed lookup is provided as the default
// wiring for the daemon and for tests.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/models"
)

// ErrNotFound indicates no agent configuration exists for the given ID.
var ErrNotFound = errors.New("agent config not found")

// Lookup resolves agent IDs to their static configuration.
type Lookup interface {
	// GetAgentConfig returns the configuration for an agent.
	// Returns ErrNotFound if the agent is unknown.
	GetAgentConfig(id string) (*models.AgentConfig, error)
}

// Committer records registry-affecting mutations in the external
// versioning layer.
type Committer interface {
	// Commit durably records a mutation with a human-readable message.
	Commit(message string) error
}

// NopCommitter discards commit calls. Used when no versioning layer is wired.
type NopCommitter struct{}

// Commit implements Committer.
func (NopCommitter) Commit(string) error { return nil }

// fileDoc is the YAML shape of the registry file.
type fileDoc struct {
	Agents []*models.AgentConfig `yaml:"agents"`
}

// FileLookup is a read-only Lookup backed by a YAML file.
type FileLookup struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentConfig
}

// LoadFile reads agent configurations from a YAML file.
func LoadFile(path string) (*FileLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	agents := make(map[string]*models.AgentConfig, len(doc.Agents))
	for _, a := range doc.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("registry file %s: agent entry missing id", path)
		}
		agents[a.ID] = a
	}

	return &FileLookup{agents: agents}, nil
}

// NewStatic builds a Lookup from in-memory configs. Used by tests and by
// callers that already hold the configuration.
func NewStatic(configs ...*models.AgentConfig) *FileLookup {
	agents := make(map[string]*models.AgentConfig, len(configs))
	for _, c := range configs {
		agents[c.ID] = c
	}
	return &FileLookup{agents: agents}
}

// GetAgentConfig implements Lookup.
func (f *FileLookup) GetAgentConfig(id string) (*models.AgentConfig, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	a, ok := f.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	c := *a
	return &c, nil
}

// IDs returns all known agent IDs.
func (f *FileLookup) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]string, 0, len(f.agents))
	for id := range f.agents {
		ids = append(ids, id)
	}
	return ids
}
