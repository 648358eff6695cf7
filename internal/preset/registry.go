// Package preset holds the named page-layout presets. The registry is built
// once at startup from a YAML file and is read-only afterwards; resolving a
// name always returns a copy of the stored record.
package preset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"web2pdf/internal/domain"
)

// File is the on-disk shape of the preset table.
type File struct {
	Default string                          `yaml:"default"`
	Presets map[string]domain.RenderOptions `yaml:"presets"`
}

// Registry maps preset names to render options.
type Registry struct {
	defaultName string
	table       map[string]domain.RenderOptions
}

// LoadFrom builds a registry from the preset file at path. Every preset must
// reference a known paper format and carry parseable margins, and the file
// must name a default preset that exists in the table.
func LoadFrom(path string, papers map[string]domain.PaperSize) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("presets: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("presets: parse %s: %w", path, err)
	}
	return New(f, papers)
}

// New builds a registry from an already parsed preset file.
func New(f File, papers map[string]domain.PaperSize) (*Registry, error) {
	if len(f.Presets) == 0 {
		return nil, fmt.Errorf("presets: no presets defined")
	}
	if f.Default == "" {
		return nil, fmt.Errorf("presets: no default preset named")
	}
	if _, ok := f.Presets[f.Default]; !ok {
		return nil, fmt.Errorf("presets: default preset %q not defined", f.Default)
	}

	table := make(map[string]domain.RenderOptions, len(f.Presets))
	for name, opts := range f.Presets {
		if opts.Format == "" {
			opts.Format = "A4"
		}
		if _, ok := papers[opts.Format]; !ok {
			return nil, fmt.Errorf("presets: %s: unknown paper format %q", name, opts.Format)
		}
		if err := opts.Validate(); err != nil {
			return nil, fmt.Errorf("presets: %s: %w", name, err)
		}
		table[name] = opts
	}

	return &Registry{defaultName: f.Default, table: table}, nil
}

// Default builds a registry with a single built-in A4 preset. Used when no
// preset file is configured.
func Default() *Registry {
	return &Registry{
		defaultName: "A4",
		table: map[string]domain.RenderOptions{
			"A4": {
				Format:          "A4",
				Margin:          domain.Margin{Top: "1cm", Bottom: "1cm", Left: "1cm", Right: "1cm"},
				PrintBackground: true,
			},
		},
	}
}

// DefaultName returns the name of the configured default preset.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Resolve returns a copy of the options for name. An empty name selects the
// default preset; an unknown name fails with domain.ErrUnknownPreset.
func (r *Registry) Resolve(name string) (domain.RenderOptions, error) {
	if name == "" {
		name = r.defaultName
	}
	opts, ok := r.table[name]
	if !ok {
		return domain.RenderOptions{}, fmt.Errorf("%w: %q", domain.ErrUnknownPreset, name)
	}
	return opts, nil
}

// All returns a copy of the full preset table for introspection.
func (r *Registry) All() map[string]domain.RenderOptions {
	out := make(map[string]domain.RenderOptions, len(r.table))
	for name, opts := range r.table {
		out[name] = opts
	}
	return out
}
