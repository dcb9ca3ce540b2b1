package config

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/isometry/authrelay/internal/logging"
)

// EnvPrefix prefixes environment overrides: AUTHRELAY_RADIUS_CLIENT_SECRET
// overrides secret in [radius_client].
const EnvPrefix = "AUTHRELAY"

// Section kinds.
const (
	KindADClient     = "ad_client"
	KindRadiusClient = "radius_client"
)

// File is a loaded configuration file: named sections of raw values.
type File struct {
	Path     string
	Sections map[string]Section
}

// Load reads a YAML, TOML or JSON file whose top-level keys are sections.
// Environment variables override file values.
func Load(ctx context.Context, path string) (*File, error) {
	log := logging.NewTFLogger(ctx, logging.SubsystemConfig)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	f := &File{Path: v.ConfigFileUsed(), Sections: make(map[string]Section)}
	for name, raw := range v.AllSettings() {
		values, ok := raw.(map[string]any)
		if !ok {
			log.Warn("Ignoring top-level key that is not a section", map[string]any{"key": name})
			continue
		}

		section := make(Section, len(values))
		for key := range values {
			section[strings.ToLower(key)] = stringValue(v.Get(name + "." + key))
		}
		f.Sections[strings.ToLower(name)] = section
	}

	log.Debug("Loaded configuration", map[string]any{
		"path":     f.Path,
		"sections": f.Names(),
	})
	return f, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, cast.ToString(item))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(t, ",")
	}
	return cast.ToString(v)
}

// Names returns the section names in order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.Sections))
}

// SectionsOfKind returns the names of the sections of kind, e.g. ad_client
// and ad_client_2.
func (f *File) SectionsOfKind(kind string) []string {
	var names []string
	for _, name := range f.Names() {
		if sectionKind(name) == kind {
			names = append(names, name)
		}
	}
	return names
}

// Check decodes every recognized section and returns all problems found.
// Sections of other kinds are ignored.
func (f *File) Check(ctx context.Context) error {
	log := logging.NewTFLogger(ctx, logging.SubsystemConfig)

	var result *multierror.Error
	for _, name := range f.Names() {
		var err error
		switch sectionKind(name) {
		case KindADClient:
			_, err = DecodeAD(name, f.Sections[name])
		case KindRadiusClient:
			_, err = DecodeRadius(name, f.Sections[name])
		default:
			log.Debug("Skipping section", map[string]any{"section": name})
			continue
		}

		log.Debug("Checked section", map[string]any{
			"section":  name,
			"problems": len(Problems(err)),
		})
		for _, p := range Problems(err) {
			result = multierror.Append(result, p)
		}
	}

	if result != nil {
		result.ErrorFormat = formatProblems
	}
	return result.ErrorOrNil()
}

// AD decodes the named [ad_client] section.
func (f *File) AD(name string) (*ADClientConfig, error) {
	s, ok := f.Sections[name]
	if !ok {
		return nil, fmt.Errorf("no [%s] section in %s", name, f.Path)
	}
	return DecodeAD(name, s)
}

// Radius decodes the named [radius_client] section.
func (f *File) Radius(name string) (*RadiusClientConfig, error) {
	s, ok := f.Sections[name]
	if !ok {
		return nil, fmt.Errorf("no [%s] section in %s", name, f.Path)
	}
	return DecodeRadius(name, s)
}
