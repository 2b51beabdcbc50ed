package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/droverhq/drover/pkg/models"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	body := `
agents:
  - id: a1
    name: Research Agent
    instructions: "Answer research questions."
    model: sonnet
    capabilities: [search, summarize]
  - id: a2
    name: Build Agent
    instructions: "Write code."
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	lookup, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	cfg, err := lookup.GetAgentConfig("a1")
	if err != nil {
		t.Fatalf("GetAgentConfig error: %v", err)
	}
	if cfg.Name != "Research Agent" {
		t.Errorf("expected name Research Agent, got %q", cfg.Name)
	}
	if cfg.Model != "sonnet" {
		t.Errorf("expected model sonnet, got %q", cfg.Model)
	}
	if len(cfg.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %v", cfg.Capabilities)
	}

	if _, err := lookup.GetAgentConfig("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if got := len(lookup.IDs()); got != 2 {
		t.Errorf("expected 2 agent IDs, got %d", got)
	}
}

func TestLoadFileMissingID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - name: no-id\n"), 0644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for agent entry without id")
	}
}

func TestGetAgentConfigReturnsCopy(t *testing.T) {
	lookup := NewStatic(&models.AgentConfig{ID: "a1", Name: "original"})

	cfg, err := lookup.GetAgentConfig("a1")
	if err != nil {
		t.Fatalf("GetAgentConfig error: %v", err)
	}
	cfg.Name = "mutated"

	again, _ := lookup.GetAgentConfig("a1")
	if again.Name != "original" {
		t.Error("lookup handed out a shared pointer")
	}
}
