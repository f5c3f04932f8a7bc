package agent

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Registry holds the validated agent definitions for one deployment. It is
// immutable after construction and safe for concurrent use.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// NewRegistry validates the given definitions and builds a registry. IDs must
// be unique; each definition must pass Validate.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", d.ID)
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// Lookup returns the definition with the given id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// All returns every definition sorted by id.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// IDs returns every agent id sorted.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of definitions in the registry.
func (r *Registry) Len() int {
	return len(r.defs)
}

// configFile is the YAML document shape of an agent definition file.
type configFile struct {
	Agents []Definition `yaml:"agents"`
}

// Load reads agent definitions from a YAML document and builds a registry.
func Load(r io.Reader) (*Registry, error) {
	var cfg configFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("agent config declares no agents")
	}
	return NewRegistry(cfg.Agents...)
}

// LoadFile reads agent definitions from the YAML file at path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open agent config: %w", err)
	}
	defer f.Close()
	return Load(f)
}
