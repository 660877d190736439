// Package selector chooses the version a host should move to.
package selector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/manifest"
)

// LockLatest is the version lock that follows the newest eligible release.
const LockLatest = "latest"

// Lock is a host's version policy. A nil Version means "latest".
type Lock struct {
	Version *semver.Version
}

// ParseLock parses "latest" or a semantic version.
func ParseLock(s string) (Lock, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, LockLatest) {
		return Lock{}, nil
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return Lock{}, fmt.Errorf("invalid version lock %q: %w", s, err)
	}
	return Lock{Version: v}, nil
}

// Latest reports whether the lock follows the newest release.
func (l Lock) Latest() bool {
	return l.Version == nil
}

func (l Lock) String() string {
	if l.Latest() {
		return LockLatest
	}
	return l.Version.String()
}

// Result is the outcome of a selection.
type Result struct {
	// Chosen is nil when no update is offered.
	Chosen *manifest.Update
	// Available holds every applicable release, newest first.
	Available []manifest.Update
}

// AvailableVersions returns the versions in Available.
func (r Result) AvailableVersions() []string {
	out := make([]string, 0, len(r.Available))
	for _, u := range r.Available {
		out = append(out, u.Version.String())
	}
	return out
}

// Select picks the update to adopt from the applicable releases.
//
// A pinned lock selects the pinned release whether it is newer or older than current and
// regardless of eligible. The latest lock selects the highest release newer than current for
// which eligible returns true.
func Select(available []manifest.Update, current *semver.Version, lock Lock, eligible func(manifest.Update) bool) Result {
	sorted := make([]manifest.Update, len(available))
	copy(sorted, available)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Version.GreaterThan(sorted[j].Version)
	})
	res := Result{Available: sorted}

	if !lock.Latest() {
		if lock.Version.Equal(current) {
			return res
		}
		for i := range sorted {
			if sorted[i].Version.Equal(lock.Version) {
				res.Chosen = &sorted[i]
				return res
			}
		}
		return res
	}

	for i := range sorted {
		if !sorted[i].Version.GreaterThan(current) {
			break
		}
		if eligible == nil || eligible(sorted[i]) {
			res.Chosen = &sorted[i]
			return res
		}
	}
	return res
}
