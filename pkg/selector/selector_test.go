package selector

import (
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var release = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func update(v string, s wave.Schedule) manifest.Update {
	ver := semver.MustParse(v)
	return manifest.Update{
		Variant:    "aws-k8s",
		Arch:       "x86_64",
		Version:    ver,
		MaxVersion: semver.MustParse("9.9.9"),
		Waves:      s,
	}
}

// 1.1.0 is open to everyone at release; 1.2.0 only after two days.
func testUpdates() []manifest.Update {
	return []manifest.Update{
		update("1.0.0", wave.Schedule{Start: release}),
		update("1.2.0", wave.Schedule{Start: release, Entries: []wave.Entry{{Offset: 48 * time.Hour, Percentage: 100}}}),
		update("1.1.0", wave.Schedule{Start: release}),
	}
}

func eligibleAt(seed uint32, now time.Time) func(manifest.Update) bool {
	e := &wave.Evaluator{Seed: seed}
	return func(u manifest.Update) bool {
		return e.Eligible(u.Waves, now)
	}
}

func TestSelectLatest(t *testing.T) {
	current := semver.MustParse("1.0.0")

	tests := []struct {
		name     string
		now      time.Time
		expected string
	}{
		{"newest eligible", release.Add(72 * time.Hour), "1.2.0"},
		{"only older eligible", release.Add(time.Hour), "1.1.0"},
		{"nothing eligible yet", release.Add(-time.Hour), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Select(testUpdates(), current, Lock{}, eligibleAt(1000, tt.now))
			assert.Equal(t, []string{"1.2.0", "1.1.0", "1.0.0"}, res.AvailableVersions())
			if tt.expected == "" {
				assert.Nil(t, res.Chosen)
				return
			}
			require.NotNil(t, res.Chosen)
			assert.Equal(t, tt.expected, res.Chosen.Version.String())
		})
	}
}

func TestSelectLatestUpToDate(t *testing.T) {
	res := Select(testUpdates(), semver.MustParse("1.2.0"), Lock{}, nil)
	assert.Nil(t, res.Chosen)
	assert.Len(t, res.Available, 3)
}

func TestSelectPinnedBypassesWaves(t *testing.T) {
	lock, err := ParseLock("1.2.0")
	require.NoError(t, err)

	// only 1.1.0 is wave eligible at this time
	res := Select(testUpdates(), semver.MustParse("1.0.0"), lock, eligibleAt(1000, release.Add(time.Hour)))
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "1.2.0", res.Chosen.Version.String())
}

func TestSelectPinned(t *testing.T) {
	never := func(manifest.Update) bool { return false }

	tests := []struct {
		name     string
		lock     string
		current  string
		expected string
	}{
		{"downgrade", "1.0.0", "1.2.0", "1.0.0"},
		{"already there", "1.1.0", "1.1.0", ""},
		{"not in repository", "1.5.0", "1.0.0", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock, err := ParseLock(tt.lock)
			require.NoError(t, err)
			res := Select(testUpdates(), semver.MustParse(tt.current), lock, never)
			if tt.expected == "" {
				assert.Nil(t, res.Chosen)
				return
			}
			require.NotNil(t, res.Chosen)
			assert.Equal(t, tt.expected, res.Chosen.Version.String())
		})
	}
}

func TestParseLock(t *testing.T) {
	l, err := ParseLock("latest")
	require.NoError(t, err)
	assert.True(t, l.Latest())
	assert.Equal(t, "latest", l.String())

	l, err = ParseLock("")
	require.NoError(t, err)
	assert.True(t, l.Latest())

	l, err = ParseLock("v1.20.3")
	require.NoError(t, err)
	assert.False(t, l.Latest())
	assert.Equal(t, "1.20.3", l.String())

	_, err = ParseLock("newest")
	assert.Error(t, err)
}
