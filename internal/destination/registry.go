package destination

import (
	"fmt"
	"sort"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
)

// Factory creates a destination from its configuration section.
type Factory func(sec config.Section, env backend.Env) (Destination, error)

var registry = map[string]Factory{}

// Register binds a destination section name to its factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// Has reports whether name is a registered destination.
func Has(name string) bool {
	_, ok := registry[name]
	return ok
}

// New returns a destination instance by section name.
func New(name string, sec config.Section, env backend.Env) (Destination, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("destination not found: %s", name)
	}
	return f(sec, env)
}

// Names lists registered destinations, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
