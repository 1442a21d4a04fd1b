package switches

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hil-network/hil/pkg/util"
)

// Family is one switch vendor family: how to open a session and what the
// switches of that family can do.
type Family struct {
	Name string
	// Open connects to the switch described by cfg.
	Open func(ctx context.Context, cfg Config) (Driver, error)
	// Capabilities lists the capability flags of a configured switch.
	Capabilities func(cfg Config) []string
	// Validate checks registration parameters. Optional.
	Validate func(cfg Config) error
	// ValidatePort checks a port label. Optional; util.ValidatePortLabel
	// is used when nil.
	ValidatePort func(label string) error
}

// Registry maps switch types to families. It is built once by the caller
// and handed to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	families map[string]Family
}

// NewRegistry creates a registry holding the given families.
func NewRegistry(families ...Family) *Registry {
	r := &Registry{families: make(map[string]Family)}
	for _, f := range families {
		r.Register(f)
	}
	return r
}

// Register adds or replaces a family.
func (r *Registry) Register(f Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[f.Name] = f
}

// Lookup returns the family for a switch type.
func (r *Registry) Lookup(typ string) (Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[typ]
	if !ok {
		return Family{}, util.NewValidationError(fmt.Sprintf("unknown switch type %q", typ))
	}
	return f, nil
}

// Types lists registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a switch registration against its family.
func (r *Registry) Validate(cfg Config) error {
	f, err := r.Lookup(cfg.Type)
	if err != nil {
		return err
	}
	if f.Validate != nil {
		return f.Validate(cfg)
	}
	return nil
}

// ValidatePort checks a port label against the family of switch type typ.
func (r *Registry) ValidatePort(typ, label string) error {
	f, err := r.Lookup(typ)
	if err != nil {
		return err
	}
	if f.ValidatePort != nil {
		return f.ValidatePort(label)
	}
	return util.ValidatePortLabel(label)
}

// Capabilities returns the capability flags of a configured switch. An
// unknown type has none.
func (r *Registry) Capabilities(cfg Config) []string {
	f, err := r.Lookup(cfg.Type)
	if err != nil || f.Capabilities == nil {
		return []string{}
	}
	caps := f.Capabilities(cfg)
	if caps == nil {
		return []string{}
	}
	return caps
}

// HasCapability reports whether cfg's family advertises capability c.
func (r *Registry) HasCapability(cfg Config, c string) bool {
	for _, have := range r.Capabilities(cfg) {
		if have == c {
			return true
		}
	}
	return false
}
