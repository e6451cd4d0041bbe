// Package procconfig resolves engine options from three sources in
// descending priority: command-line flags, environment variables
// (PGBACKREST_<OPTION>), and an INI configuration file under a [stanza] or
// [global] section, falling back to a compiled-in default.
package procconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

const envPrefix = "PGBACKREST_"

// Source resolves a single option by name. CLI, environment, and file
// sources are composed into a Resolver in priority order.
type Source interface {
	Lookup(name string) (string, bool)
}

// Resolver resolves options across an ordered list of Sources, falling
// back to a caller-supplied default when none has a value.
type Resolver struct {
	sources []Source
}

// NewResolver builds a Resolver from sources in descending priority order.
// Typical construction is NewResolver(CLISource(flags), EnvSource(),
// FileSource(cfg, stanza)).
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// String resolves a string option, or def if no source has a value.
func (r *Resolver) String(name, def string) string {
	for _, s := range r.sources {
		if v, ok := s.Lookup(name); ok {
			return v
		}
	}
	return def
}

// Int resolves an integer option, or def if no source has a value or the
// value fails to parse.
func (r *Resolver) Int(name string, def int) (int, error) {
	for _, s := range r.sources {
		if v, ok := s.Lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, pgerr.New(pgerr.ParamInvalidError, "option %s: invalid integer %q", name, v)
			}
			return n, nil
		}
	}
	return def, nil
}

// Bool resolves a boolean option, or def if no source has a value.
func (r *Resolver) Bool(name string, def bool) (bool, error) {
	for _, s := range r.sources {
		if v, ok := s.Lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return false, pgerr.New(pgerr.ParamInvalidError, "option %s: invalid boolean %q", name, v)
			}
			return b, nil
		}
	}
	return def, nil
}

// Duration resolves a duration option, or def if no source has a value.
func (r *Resolver) Duration(name string, def time.Duration) (time.Duration, error) {
	for _, s := range r.sources {
		if v, ok := s.Lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return 0, pgerr.New(pgerr.ParamInvalidError, "option %s: invalid duration %q", name, v)
			}
			return d, nil
		}
	}
	return def, nil
}

// Required resolves a string option, failing with OptionRequiredError if
// no source provides one.
func (r *Resolver) Required(name string) (string, error) {
	for _, s := range r.sources {
		if v, ok := s.Lookup(name); ok {
			return v, nil
		}
	}
	return "", pgerr.New(pgerr.OptionRequiredError, "option %s is required", name)
}

// mapSource is a flat name->value Source, used for both the CLI and
// environment sources.
type mapSource map[string]string

func (m mapSource) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// CLISource wraps command-line flag values already parsed by the caller
// (the option parser is treated as an external collaborator: this package
// only composes its output into the resolution order).
func CLISource(flags map[string]string) Source {
	return mapSource(flags)
}

// EnvSource reads PGBACKREST_<OPTION> environment variables, with option
// names upper-cased and hyphens translated to underscores.
func EnvSource() Source {
	return envSource{}
}

type envSource struct{}

func (envSource) Lookup(name string) (string, bool) {
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return os.LookupEnv(key)
}

// FileSource reads an INI config file, preferring a [stanza] section over
// [global] for any option present in both.
type FileSource struct {
	file   *ini.File
	stanza string
}

// LoadFile parses path as an INI configuration file.
func LoadFile(path string) (*ini.File, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.PathOpenError, err, "load config file %s", path)
	}
	return f, nil
}

// NewFileSource builds a FileSource scoped to stanza within an already
// loaded INI file.
func NewFileSource(f *ini.File, stanza string) Source {
	return FileSource{file: f, stanza: stanza}
}

func (f FileSource) Lookup(name string) (string, bool) {
	if f.file == nil {
		return "", false
	}
	if f.stanza != "" {
		if sec, err := f.file.GetSection(f.stanza); err == nil {
			if k, err := sec.GetKey(name); err == nil {
				return k.String(), true
			}
		}
	}
	if sec, err := f.file.GetSection("global"); err == nil {
		if k, err := sec.GetKey(name); err == nil {
			return k.String(), true
		}
	}
	return "", false
}

// ValidateArchiveTimeout rejects a zero archive-timeout at option-parse
// time, per the boundary behavior in spec.md §8.
func ValidateArchiveTimeout(d time.Duration) error {
	if d <= 0 {
		return pgerr.New(pgerr.ParamInvalidError, "archive-timeout must be greater than zero, got %s", d)
	}
	return nil
}
