// Package manifest decodes the signed update manifest published by the repository.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/types"
	"github.com/flipset/flipset/pkg/wave"
	"github.com/hashicorp/go-multierror"
)

// TargetName is the name of the manifest in the signed targets role.
const TargetName = "manifest.json"

// Images names the targets making up one partition set image.
type Images struct {
	Boot string `json:"boot"`
	Root string `json:"root"`
	Hash string `json:"hash"`
}

// Names returns the image target names in write order.
func (i Images) Names() []string {
	return []string{i.Boot, i.Root, i.Hash}
}

// Update describes one release of a variant for one architecture.
type Update struct {
	Variant    string          `json:"variant"`
	Arch       string          `json:"arch"`
	Version    *semver.Version `json:"version"`
	MaxVersion *semver.Version `json:"max_version"`
	Images     Images          `json:"images"`
	Waves      wave.Schedule   `json:"waves"`
}

// AppliesTo reports whether u targets the given variant and architecture and has not been
// withdrawn by a max_version below its own version.
func (u Update) AppliesTo(variant, arch string) bool {
	return u.Variant == variant && u.Arch == arch && !u.Version.GreaterThan(u.MaxVersion)
}

func (u Update) String() string {
	return fmt.Sprintf("%s-%s-%s", u.Variant, u.Arch, u.Version)
}

// Edge is a directed edge of the migration graph. The migrations are applied in order.
type Edge struct {
	From       *semver.Version `json:"from"`
	To         *semver.Version `json:"to"`
	Migrations []string        `json:"names"`
}

// Manifest lists releases and the migrations between versions.
type Manifest struct {
	Updates    []Update `json:"updates"`
	Migrations []Edge   `json:"migrations"`
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", types.ErrMalformedMetadata, TargetName, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrMalformedMetadata, TargetName, err)
	}
	return &m, nil
}

// Validate checks structural constraints; every problem found is reported.
func (m *Manifest) Validate() error {
	var errs *multierror.Error
	for i, u := range m.Updates {
		if u.Variant == "" || u.Arch == "" {
			errs = multierror.Append(errs, fmt.Errorf("update %d: variant and arch are required", i))
		}
		if u.Version == nil || u.MaxVersion == nil {
			errs = multierror.Append(errs, fmt.Errorf("update %d: version and max_version are required", i))
		}
		if u.Images.Boot == "" || u.Images.Root == "" || u.Images.Hash == "" {
			errs = multierror.Append(errs, fmt.Errorf("update %d: boot, root and hash images are required", i))
		}
		if err := u.Waves.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("update %d: %w", i, err))
		}
	}

	seen := make(map[string]bool)
	for i, e := range m.Migrations {
		if e.From == nil || e.To == nil {
			errs = multierror.Append(errs, fmt.Errorf("migration edge %d: from and to are required", i))
			continue
		}
		if !e.From.LessThan(e.To) {
			errs = multierror.Append(errs, fmt.Errorf("migration edge %d: from %s must be lower than to %s", i, e.From, e.To))
		}
		key := e.From.String() + "->" + e.To.String()
		if seen[key] {
			errs = multierror.Append(errs, fmt.Errorf("migration edge %d: duplicate edge %s", i, key))
		}
		seen[key] = true
		for _, name := range e.Migrations {
			if name == "" {
				errs = multierror.Append(errs, fmt.Errorf("migration edge %s: empty migration name", key))
			}
		}
	}
	return errs.ErrorOrNil()
}

// Applicable returns the updates for variant and arch, newest first.
func (m *Manifest) Applicable(variant, arch string) []Update {
	var out []Update
	for _, u := range m.Updates {
		if u.AppliesTo(variant, arch) {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Version.GreaterThan(out[j].Version)
	})
	return out
}

// MigrationNames returns every migration referenced by the graph, without duplicates.
func (m *Manifest) MigrationNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range m.Migrations {
		for _, n := range e.Migrations {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}
