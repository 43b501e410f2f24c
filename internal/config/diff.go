package config

import (
	"cmp"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that are applied without restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProvidersChanged bool           // true if any provider entry or timeout changed
	ProviderChanges  []ProviderDiff // per-entry diffs, sorted by name
	TimeoutsChanged  bool

	ModelsChanged bool
}

// ProviderDiff describes what changed for a single provider entry.
type ProviderDiff struct {
	Name               string
	CredentialsChanged bool // api_key or base_url
	ModelChanged       bool
	OptionsChanged     bool
	Added              bool
	Removed            bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Providers.Timeouts != new.Providers.Timeouts {
		d.TimeoutsChanged = true
		d.ProvidersChanged = true
	}

	oldEntries := make(map[string]ProviderEntry, len(old.Providers.Entries))
	for _, e := range old.Providers.Entries {
		oldEntries[e.Name] = e
	}
	newEntries := make(map[string]ProviderEntry, len(new.Providers.Entries))
	for _, e := range new.Providers.Entries {
		newEntries[e.Name] = e
	}

	for name, oe := range oldEntries {
		ne, exists := newEntries[name]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Removed: true})
			continue
		}
		pd := ProviderDiff{
			Name:               name,
			CredentialsChanged: oe.APIKey != ne.APIKey || oe.BaseURL != ne.BaseURL,
			ModelChanged:       oe.Model != ne.Model,
			OptionsChanged:     !reflect.DeepEqual(oe.Options, ne.Options),
		}
		if pd.CredentialsChanged || pd.ModelChanged || pd.OptionsChanged {
			d.ProviderChanges = append(d.ProviderChanges, pd)
		}
	}
	for name := range newEntries {
		if _, exists := oldEntries[name]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Added: true})
		}
	}
	if len(d.ProviderChanges) > 0 {
		d.ProvidersChanged = true
		slices.SortFunc(d.ProviderChanges, func(a, b ProviderDiff) int {
			return cmp.Compare(a.Name, b.Name)
		})
	}

	d.ModelsChanged = !slices.Equal(old.Models, new.Models)
	return d
}
