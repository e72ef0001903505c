package catalog

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-mes/internal/domain"
	"github.com/animus-labs/animus-mes/internal/repo"
)

type fileStep struct {
	ID     string `yaml:"id"`
	Step   int    `yaml:"step"`
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Active *bool  `yaml:"active"`
}

type file struct {
	Processes []fileStep `yaml:"processes"`
}

// LoadDefinitions parses a YAML process definition document:
//
//	processes:
//	  - {id: P10, step: 1, name: SMT, kind: MANUFACTURING}
//	  - {id: P90, step: 4, name: Serialize, kind: SERIAL_CONVERSION}
//
// Steps default to active. The result is validated as a catalog.
func LoadDefinitions(r io.Reader) ([]domain.ProcessDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc file
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode process definitions: %w", err)
	}
	defs := make([]domain.ProcessDefinition, 0, len(doc.Processes))
	for i, p := range doc.Processes {
		kind, err := domain.ParseStepKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("processes[%d]: %w", i, err)
		}
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		defs = append(defs, domain.ProcessDefinition{
			ID:         strings.TrimSpace(p.ID),
			StepNumber: p.Step,
			Name:       strings.TrimSpace(p.Name),
			Kind:       kind,
			IsActive:   active,
		})
	}
	if _, err := New(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Load builds a catalog from the definitions visible to processes.
func Load(ctx context.Context, processes repo.ProcessRepository) (*Catalog, error) {
	defs, err := processes.ListProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return New(defs)
}

// LoadForUpdate is Load for catalog writers: step operations that load the
// catalog in their own transaction wait until the writer commits.
func LoadForUpdate(ctx context.Context, processes repo.ProcessRepository) (*Catalog, error) {
	defs, err := processes.ListProcessesForUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock processes: %w", err)
	}
	return New(defs)
}

// Registry caches the catalog for read paths. Mutating operations load the
// catalog inside their own transaction instead.
type Registry struct {
	processes repo.ProcessRepository

	mu      sync.RWMutex
	current *Catalog
}

func NewRegistry(processes repo.ProcessRepository) *Registry {
	return &Registry{processes: processes}
}

// Current returns the cached catalog, loading it on first use.
func (r *Registry) Current(ctx context.Context) (*Catalog, error) {
	r.mu.RLock()
	c := r.current
	r.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	return r.Reload(ctx)
}

// Reload replaces the cached catalog with the stored definitions.
func (r *Registry) Reload(ctx context.Context) (*Catalog, error) {
	c, err := Load(ctx, r.processes)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = c
	r.mu.Unlock()
	return c, nil
}
