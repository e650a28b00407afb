// Package rtconfig is the runtime's YAML-backed configuration registry. It
// plays the role of sylar's Config::Lookup<T>("fiber.stack_size", ...):
// a typed value the core reads at construction time, with a sensible
// default when nothing has been loaded.
package rtconfig

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFiberStackSize matches sylar's g_fiber_stack_size default of
// 1 MiB (spec.md §6).
const DefaultFiberStackSize uint32 = 1048576

// document mirrors the subset of YAML config keys the core consumes,
// nested the way sylar's dotted "fiber.stack_size" config name implies:
//
//	fiber:
//	  stack_size: 1048576
type document struct {
	Fiber struct {
		StackSize uint32 `yaml:"stack_size"`
	} `yaml:"fiber"`
}

// Registry is a typed lookup over a loaded YAML document. The zero value
// is a valid registry that returns every default.
type Registry struct {
	doc document
}

// Load parses data into a new Registry.
func Load(data []byte) (*Registry, error) {
	r := &Registry{}
	if err := yaml.Unmarshal(data, &r.doc); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile reads and parses path as a Registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// FiberStackSize returns the configured fiber.stack_size, or
// DefaultFiberStackSize when it is unset or the registry is nil.
func (r *Registry) FiberStackSize() uint32 {
	if r == nil || r.doc.Fiber.StackSize == 0 {
		return DefaultFiberStackSize
	}
	return r.doc.Fiber.StackSize
}
