package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is the per-directory tool file name
const DefinitionFile = "api.yaml"

// Registry holds the registered tool definitions
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register validates def and adds it. Keys must be unique.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("tool definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Key]; exists {
		return fmt.Errorf("tool %s already registered", def.Key)
	}
	r.tools[def.Key] = def
	return nil
}

// Get returns the definition registered under key
func (r *Registry) Get(key string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return def, nil
}

// List returns all definitions sorted by key
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs
}

// Schemas returns agent-facing schemas for keys, in order. Unknown keys are an error.
func (r *Registry) Schemas(keys []string) ([]Schema, error) {
	schemas := make([]Schema, 0, len(keys))
	for _, key := range keys {
		def, err := r.Get(key)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, def.AgentSchema())
	}
	return schemas, nil
}

// LoadDir registers every tool found under dir. Both layouts are accepted:
// dir/<key>.yaml and dir/<key>/api.yaml. Files starting with "." or "_" are skipped.
// A missing dir loads nothing.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}

		var path, key, toolDir string
		if ent.IsDir() {
			path = filepath.Join(dir, name, DefinitionFile)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			key, toolDir = name, filepath.Join(dir, name)
		} else {
			ext := strings.ToLower(filepath.Ext(name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			path = filepath.Join(dir, name)
			key, toolDir = strings.TrimSuffix(name, filepath.Ext(name)), dir
		}

		def, err := loadDefinition(path)
		if err != nil {
			return err
		}
		if def.Key == "" {
			def.Key = key
		}
		def.Dir = toolDir

		if err := r.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
	}
	return nil
}

func loadDefinition(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}
