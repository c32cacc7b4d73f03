package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/ini.v1"

	"github.com/Chapsvision-dev/backups/internal/retry"
)

// DefaultsSection is the reserved section holding run-wide settings.
const DefaultsSection = "defaults"

// DefaultUser is the account the process must run as unless defaults.user says otherwise.
const DefaultUser = "backups"

// Config is the parsed configuration file. It is read once and never mutated.
type Config struct {
	Path     string
	Defaults Defaults

	sections []Section
}

// Defaults holds the keys of the [defaults] section.
type Defaults struct {
	Hostname    string `ini:"hostname" validate:"required"`
	User        string `ini:"user" validate:"required"`
	TmpDir      string `ini:"tmpdir"`
	MetricsFile string `ini:"metrics_file"`

	RetryMaxAttempts  int           `ini:"retry_max_attempts" validate:"gte=0,lte=20"`
	RetryInitialDelay time.Duration `ini:"retry_initial_delay" validate:"gte=0"`
	RetryMaxDelay     time.Duration `ini:"retry_max_delay" validate:"gte=0"`
	RetryMultiplier   float64       `ini:"retry_multiplier" validate:"gte=0"`
	RetryJitter       bool          `ini:"retry_jitter"`
}

// Load reads the configuration file at path, expands ${VAR} references from the
// environment and validates the defaults section.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, Errorf("no configuration file given")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Msg: "cannot read configuration file " + path, Err: err}
	}
	if st.Mode().Perm()&0o077 != 0 {
		log.Warn().
			Str("action", "config_load").
			Str("file", path).
			Str("mode", st.Mode().Perm().String()).
			Msg("configuration file is readable by group/other; it may hold credentials")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Msg: "cannot read configuration file " + path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse parses INI content. Exposed for tests and for callers that already hold the bytes.
func Parse(data []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, &Error{Msg: "parse configuration", Err: err}
	}
	f.ValueMapper = os.ExpandEnv

	def, err := f.GetSection(DefaultsSection)
	if err != nil {
		return nil, Errorf("missing [%s] section", DefaultsSection)
	}

	cfg := &Config{
		Defaults: Defaults{
			User:              DefaultUser,
			RetryMaxAttempts:  retry.Default.MaxAttempts,
			RetryInitialDelay: retry.Default.InitialDelay,
			RetryMaxDelay:     retry.Default.MaxDelay,
			RetryMultiplier:   retry.Default.Multiplier,
			RetryJitter:       retry.Default.Jitter,
		},
	}
	if err := (Section{sec: def}).Decode(&cfg.Defaults); err != nil {
		return nil, err
	}

	for _, s := range f.Sections() {
		name := s.Name()
		if name == ini.DefaultSection || name == DefaultsSection {
			continue
		}
		cfg.sections = append(cfg.sections, Section{sec: s})
	}
	return cfg, nil
}

// Sections returns every non-reserved section in file order.
func (c *Config) Sections() []Section {
	out := make([]Section, len(c.sections))
	copy(out, c.sections)
	return out
}

// TempDir is where artifacts are staged; empty means the OS default.
func (c *Config) TempDir() string {
	if d := strings.TrimSpace(c.Defaults.TmpDir); d != "" {
		return d
	}
	return os.TempDir()
}

// RetryOptions converts retry-related config values to retry.Options.
func (c *Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.Defaults.RetryMaxAttempts,
		InitialDelay: c.Defaults.RetryInitialDelay,
		MaxDelay:     c.Defaults.RetryMaxDelay,
		Multiplier:   c.Defaults.RetryMultiplier,
		Jitter:       c.Defaults.RetryJitter,
	}
}

// Section is one named block of the configuration file.
type Section struct {
	sec *ini.Section
}

// Name returns the section header as written in the file.
func (s Section) Name() string { return s.sec.Name() }

// Has reports whether key is present in the section.
func (s Section) Has(key string) bool { return s.sec.HasKey(key) }

// Decode maps the section onto v (a pointer to a struct with `ini` tags) and
// validates the result with its `validate` tags. Fields whose keys are absent
// keep their current values, so callers pre-fill defaults. A duration key that
// is present always wins, zero and negative values included, so "timeout = 0s"
// reaches validation instead of leaving the default in place.
func (s Section) Decode(v any) error {
	if err := s.sec.StrictMapTo(v); err != nil {
		return &Error{Section: s.Name(), Msg: "invalid value", Err: err}
	}
	if err := s.setDurations(v); err != nil {
		return &Error{Section: s.Name(), Msg: "invalid value", Err: err}
	}
	if err := validate().Struct(v); err != nil {
		var verrs validatorErrors
		if errors.As(err, &verrs) {
			return &Error{Section: s.Name(), Msg: describe(verrs)}
		}
		return &Error{Section: s.Name(), Msg: "invalid section", Err: err}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setDurations assigns the duration keys MapTo skips: ini.v1 ignores values <= 0.
func (s Section) setDurations(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return nil
	}
	rv = rv.Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.Type != durationType || !f.IsExported() {
			continue
		}
		key := strings.SplitN(f.Tag.Get("ini"), ",", 2)[0]
		if key == "" || key == "-" || !s.sec.HasKey(key) {
			continue
		}
		d, err := s.sec.Key(key).Duration()
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		rv.Field(i).SetInt(int64(d))
	}
	return nil
}

// Error is the configuration error: fatal, reported before any source runs.
type Error struct {
	Section string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Section != "" {
		fmt.Fprintf(&b, " in [%s]", e.Section)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a section-less configuration error.
func Errorf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}
