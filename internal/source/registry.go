package source

import (
	"fmt"
	"sort"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
)

// Factory builds a source from its section. id is the backup identifier.
type Factory func(id string, sec config.Section, env backend.Env) (Source, error)

var registry = map[string]Factory{}

// Register binds a source type (the section name prefix) to its factory.
func Register(typ string, f Factory) {
	registry[typ] = f
}

// Has reports whether typ is a registered source type.
func Has(typ string) bool {
	_, ok := registry[typ]
	return ok
}

// New returns a source instance by type.
func New(typ, id string, sec config.Section, env backend.Env) (Source, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("source type not found: %s", typ)
	}
	return f(id, sec, env)
}

// Types lists registered source types, sorted.
func Types() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
