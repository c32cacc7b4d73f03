// Package registry turns configuration sections into backend instances.
//
// A section whose name matches a registered destination or notifier is that
// backend. A section named "<type>-<id>" with a registered source type is a
// source with backup identifier <id>. Anything else is ignored.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/destination"
	"github.com/Chapsvision-dev/backups/internal/notifier"
	"github.com/Chapsvision-dev/backups/internal/source"
)

// Set holds the backends of one run, each list in configuration file order.
type Set struct {
	Sources      []source.Source
	Destinations []destination.Destination
	Notifiers    []notifier.Notifier
}

// Kind classifies a section name.
type Kind int

const (
	Unknown Kind = iota
	Source
	Destination
	Notifier
)

func (k Kind) String() string {
	switch k {
	case Source:
		return "source"
	case Destination:
		return "destination"
	case Notifier:
		return "notifier"
	default:
		return "unknown"
	}
}

// Classify resolves a section name. For sources it also returns the type and
// the backup identifier.
func Classify(name string) (kind Kind, typ, id string) {
	if destination.Has(name) {
		return Destination, name, ""
	}
	if notifier.Has(name) {
		return Notifier, name, ""
	}
	typ, id, ok := strings.Cut(name, "-")
	if ok && id != "" && source.Has(typ) {
		return Source, typ, id
	}
	return Unknown, "", ""
}

// Build instantiates every recognised section of cfg. The first construction
// error aborts the build.
func Build(cfg *config.Config, env backend.Env) (*Set, error) {
	set := &Set{}
	seen := map[string]string{}
	for _, sec := range cfg.Sections() {
		name := sec.Name()
		kind, typ, id := Classify(name)
		switch kind {
		case Source:
			if strings.Trim(id, ".") == "" {
				return nil, &config.Error{Section: name, Msg: fmt.Sprintf("backup identifier %q is not a valid object name", id)}
			}
			if prev, dup := seen[id]; dup {
				return nil, &config.Error{Section: name, Msg: fmt.Sprintf("backup identifier %q already used by [%s]", id, prev)}
			}
			seen[id] = name
			s, err := source.New(typ, id, sec, env)
			if err != nil {
				return nil, wrap(name, err)
			}
			set.Sources = append(set.Sources, s)
		case Destination:
			d, err := destination.New(typ, sec, env)
			if err != nil {
				return nil, wrap(name, err)
			}
			set.Destinations = append(set.Destinations, d)
		case Notifier:
			n, err := notifier.New(typ, sec, env)
			if err != nil {
				return nil, wrap(name, err)
			}
			set.Notifiers = append(set.Notifiers, n)
		default:
			log.Debug().Str("action", "config_sections").Str("section", name).Msg("unrecognized section ignored")
			continue
		}
		log.Debug().Str("action", "config_sections").Str("section", name).Str("kind", kind.String()).Msg("backend configured")
	}
	return set, nil
}

// wrap keeps configuration errors as they are and attributes anything else to the section.
func wrap(section string, err error) error {
	var ce *config.Error
	if errors.As(err, &ce) {
		return err
	}
	return &config.Error{Section: section, Msg: "cannot initialise backend", Err: err}
}
