package migration

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/datastore"
	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addNodeLabels = `
name: migrate_v1.1.0_add-node-labels
from: 1.0.0
to: 1.1.0
operations:
  - op: add-setting
    key: settings.kubernetes.node-labels
    default:
      node.kubernetes.io/role: worker
`

const renameFoo = `
name: migrate_v1.2.0_rename-foo
from: 1.1.0
to: 1.2.0
operations:
  - op: rename-setting
    from: settings.foo
    to: settings.bar
`

const transformMode = `
name: migrate_v1.2.0_transform-mode
from: 1.1.0
to: 1.2.0
operations:
  - op: transform-value
    key: settings.mode
    mapping:
      - from: legacy
        to: compat
      - from: fast
        to: performance
  - op: transform-value
    key: settings.kubernetes.max-pods
    expression: value * 2
    reverse-expression: value / 2
  - op: remove-setting
    key: settings.obsolete
    default: true
`

const dropTelemetry = `
name: migrate_v1.2.0_drop-telemetry
from: 1.1.0
to: 1.2.0
operations:
  - op: remove-setting
    key: settings.telemetry
`

func mustParse(t *testing.T, doc string) *Migration {
	t.Helper()
	m, err := Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

func baseStore(t *testing.T) *datastore.Store {
	t.Helper()
	s := datastore.New(semver.MustParse("1.0.0"))
	require.NoError(t, s.Set("settings.kubernetes.max-pods", 110))
	require.NoError(t, s.Set("settings.foo", "value-of-foo"))
	require.NoError(t, s.Set("settings.mode", "legacy"))
	require.NoError(t, s.Set("settings.obsolete", true))
	return s
}

func TestParse(t *testing.T) {
	m := mustParse(t, transformMode)
	assert.Equal(t, "migrate_v1.2.0_transform-mode", m.Name)
	assert.Equal(t, "1.1.0", m.From.String())
	assert.Equal(t, "1.2.0", m.To.String())
	require.Len(t, m.Operations, 3)
	assert.Equal(t, OpTransformValue, m.Operations[0].Op)
	assert.Len(t, m.Operations[0].Mapping, 2)
	assert.True(t, m.Operations[2].HasDefault)
	assert.Equal(t, true, m.Operations[2].Default)
	assert.True(t, m.Reversible())

	assert.False(t, mustParse(t, dropTelemetry).Reversible())
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown op", "name: m\nfrom: 1.0.0\nto: 1.1.0\noperations:\n  - op: delete-everything\n    key: a\n"},
		{"add without default", "name: m\nfrom: 1.0.0\nto: 1.1.0\noperations:\n  - op: add-setting\n    key: a.b\n"},
		{"invalid key", "name: m\nfrom: 1.0.0\nto: 1.1.0\noperations:\n  - op: remove-setting\n    key: a..b\n"},
		{"mapping and expression", "name: m\nfrom: 1.0.0\nto: 1.1.0\noperations:\n  - op: transform-value\n    key: a\n    expression: value\n    mapping:\n      - {from: 1, to: 2}\n"},
		{"non injective mapping", "name: m\nfrom: 1.0.0\nto: 1.1.0\noperations:\n  - op: transform-value\n    key: a\n    mapping:\n      - {from: 1, to: 2}\n      - {from: 3, to: 2}\n"},
		{"bad expression", "name: m\nfrom: 1.0.0\nto: 1.1.0\noperations:\n  - op: transform-value\n    key: a\n    expression: 'value +'\n"},
		{"no operations", "name: m\nfrom: 1.0.0\nto: 1.1.0\n"},
		{"downward", "name: m\nfrom: 1.1.0\nto: 1.0.0\noperations:\n  - op: remove-setting\n    key: a\n"},
		{"name does not match", "name: migrate_v1.3.0_x\nfrom: 1.0.0\nto: 1.1.0\noperations:\n  - op: remove-setting\n    key: a\n"},
		{"missing name", "from: 1.0.0\nto: 1.1.0\noperations:\n  - op: remove-setting\n    key: a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestOperationRoundTrip(t *testing.T) {
	ms := []*Migration{mustParse(t, addNodeLabels), mustParse(t, renameFoo), mustParse(t, transformMode)}
	for _, m := range ms {
		t.Run(m.Name, func(t *testing.T) {
			original := baseStore(t)
			s := original.Clone()
			require.NoError(t, m.Apply(s))
			assert.False(t, original.Equal(s))
			require.NoError(t, m.Reverse(s))
			assert.True(t, original.Equal(s), "got %v", s.Data)
		})
	}
}

func TestRoundTripRestoresPriorState(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		setup func(t *testing.T, s *datastore.Store)
	}{
		{
			name: "removed value differs from default",
			doc:  transformMode,
			setup: func(t *testing.T, s *datastore.Store) {
				require.NoError(t, s.Set("settings.obsolete", false))
			},
		},
		{
			name: "removed value carries metadata",
			doc:  transformMode,
			setup: func(t *testing.T, s *datastore.Store) {
				require.NoError(t, s.SetMetadata("settings.obsolete", "affected-services", []any{"kubelet"}))
			},
		},
		{
			name: "removed key absent",
			doc:  transformMode,
			setup: func(t *testing.T, s *datastore.Store) {
				s.Delete("settings.obsolete")
			},
		},
		{
			name: "added key already present",
			doc:  addNodeLabels,
			setup: func(t *testing.T, s *datastore.Store) {
				require.NoError(t, s.Set("settings.kubernetes.node-labels", map[string]any{"a": "b"}))
			},
		},
		{
			name: "mapped value already a target",
			doc:  transformMode,
			setup: func(t *testing.T, s *datastore.Store) {
				require.NoError(t, s.Set("settings.mode", "performance"))
			},
		},
		{
			name: "mapped key absent",
			doc:  transformMode,
			setup: func(t *testing.T, s *datastore.Store) {
				s.Delete("settings.mode")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustParse(t, tt.doc)
			original := baseStore(t)
			tt.setup(t, original)

			s := original.Clone()
			require.NoError(t, m.Apply(s))
			require.NoError(t, m.Reverse(s))
			assert.True(t, original.Equal(s), "got %v %v", s.Data, s.Metadata)
		})
	}
}

func TestReverseWithoutUndoRecord(t *testing.T) {
	// a store produced at the newer version carries no undo records
	m := mustParse(t, transformMode)
	s := datastore.New(semver.MustParse("1.2.0"))
	require.NoError(t, s.Set("settings.mode", "performance"))
	require.NoError(t, s.Set("settings.kubernetes.max-pods", 220))
	require.NoError(t, m.Reverse(s))

	v, _ := s.Get("settings.mode")
	assert.Equal(t, "fast", v)
	v, _ = s.Get("settings.kubernetes.max-pods")
	assert.Equal(t, float64(110), v)
	v, _ = s.Get("settings.obsolete")
	assert.Equal(t, true, v)
}

func TestTransformValue(t *testing.T) {
	m := mustParse(t, transformMode)
	s := baseStore(t)
	require.NoError(t, m.Apply(s))

	v, _ := s.Get("settings.mode")
	assert.Equal(t, "compat", v)
	v, _ = s.Get("settings.kubernetes.max-pods")
	assert.Equal(t, float64(220), v)
	_, ok := s.Get("settings.obsolete")
	assert.False(t, ok)
}

func TestTransformValueUnmapped(t *testing.T) {
	m := mustParse(t, transformMode)
	s := baseStore(t)
	require.NoError(t, s.Set("settings.mode", "custom"))
	require.NoError(t, m.Operations[0].Apply(s))
	v, _ := s.Get("settings.mode")
	assert.Equal(t, "custom", v)
}

func TestReverseNotReversible(t *testing.T) {
	m := mustParse(t, dropTelemetry)
	err := m.Reverse(baseStore(t))
	assert.ErrorIs(t, err, ErrNotReversible)
}

func testGraph() *Graph {
	v := semver.MustParse
	return NewGraph([]manifest.Edge{
		{From: v("1.0.0"), To: v("1.1.0"), Migrations: []string{"migrate_v1.1.0_add-node-labels"}},
		{From: v("1.1.0"), To: v("1.2.0"), Migrations: []string{"migrate_v1.2.0_rename-foo", "migrate_v1.2.0_transform-mode"}},
		{From: v("1.2.0"), To: v("1.3.0"), Migrations: nil},
		{From: v("1.3.0"), To: v("1.5.0"), Migrations: []string{"migrate_v1.5.0_a"}},
		// dead end nearer than the real route
		{From: v("1.3.0"), To: v("1.4.0"), Migrations: []string{"migrate_v1.4.0_b"}},
	})
}

func TestPlan(t *testing.T) {
	g := testGraph()
	v := semver.MustParse

	tests := []struct {
		name      string
		from, to  string
		expected  []string
		direction Direction
	}{
		{"forward one edge", "1.0.0", "1.1.0", []string{"migrate_v1.1.0_add-node-labels"}, Forward},
		{"forward chain", "1.0.0", "1.2.0", []string{"migrate_v1.1.0_add-node-labels", "migrate_v1.2.0_rename-foo", "migrate_v1.2.0_transform-mode"}, Forward},
		{"empty edge", "1.2.0", "1.3.0", []string{}, Forward},
		{"backtracks from dead end", "1.2.0", "1.5.0", []string{"migrate_v1.5.0_a"}, Forward},
		{"backward chain", "1.2.0", "1.0.0", []string{"migrate_v1.2.0_transform-mode", "migrate_v1.2.0_rename-foo", "migrate_v1.1.0_add-node-labels"}, Backward},
		{"same version", "1.1.0", "1.1.0", []string{}, Forward},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := g.Plan(v(tt.from), v(tt.to))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p.Names())
			assert.Equal(t, tt.direction, p.Direction)
			for _, s := range p.Steps {
				assert.Equal(t, tt.direction, s.Direction)
			}
		})
	}
}

func TestPlanNoPath(t *testing.T) {
	g := testGraph()
	v := semver.MustParse

	for _, pair := range [][2]string{{"1.0.0", "1.4.5"}, {"0.9.0", "1.1.0"}, {"1.5.0", "1.4.0"}, {"1.1.0", "2.0.0"}} {
		_, err := g.Plan(v(pair[0]), v(pair[1]))
		assert.ErrorIs(t, err, types.ErrNoMigrationPath, "%s -> %s", pair[0], pair[1])
	}
}

func testMigrations(t *testing.T) map[string]*Migration {
	out := make(map[string]*Migration)
	for _, doc := range []string{addNodeLabels, renameFoo, transformMode} {
		m := mustParse(t, doc)
		out[m.Name] = m
	}
	return out
}

func TestExecuteForward(t *testing.T) {
	g := NewGraph([]manifest.Edge{
		{From: semver.MustParse("1.0.0"), To: semver.MustParse("1.1.0"), Migrations: []string{"migrate_v1.1.0_add-node-labels"}},
		{From: semver.MustParse("1.1.0"), To: semver.MustParse("1.2.0"), Migrations: []string{"migrate_v1.2.0_rename-foo"}},
	})
	plan, err := g.Plan(semver.MustParse("1.0.0"), semver.MustParse("1.2.0"))
	require.NoError(t, err)

	snapshot := baseStore(t)
	before := snapshot.Clone()
	e := NewExecutor(filepath.Join(t.TempDir(), "migration.journal"))

	out, err := e.Execute(snapshot, plan, testMigrations(t))
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", out.Version.String())
	labels, ok := out.Get("settings.kubernetes.node-labels")
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"node.kubernetes.io/role": "worker"}, labels)
	bar, ok := out.Get("settings.bar")
	assert.True(t, ok)
	assert.Equal(t, "value-of-foo", bar)
	_, ok = out.Get("settings.foo")
	assert.False(t, ok)
	pods, _ := out.Get("settings.kubernetes.max-pods")
	assert.Equal(t, float64(110), pods)

	assert.True(t, before.Equal(snapshot))
	assert.Equal(t, "1.0.0", snapshot.Version.String())
	assert.False(t, e.Pending())
}

func TestExecuteRoundTrip(t *testing.T) {
	g := testGraph()
	ms := testMigrations(t)
	e := NewExecutor(filepath.Join(t.TempDir(), "migration.journal"))
	original := baseStore(t)

	up, err := g.Plan(semver.MustParse("1.0.0"), semver.MustParse("1.2.0"))
	require.NoError(t, err)
	migrated, err := e.Execute(original, up, ms)
	require.NoError(t, err)

	down, err := g.Plan(semver.MustParse("1.2.0"), semver.MustParse("1.0.0"))
	require.NoError(t, err)
	restored, err := e.Execute(migrated, down, ms)
	require.NoError(t, err)

	assert.True(t, original.Equal(restored), "got %v", restored.Data)
	assert.Equal(t, "1.0.0", restored.Version.String())
}

func TestExecuteFailureAborts(t *testing.T) {
	g := NewGraph([]manifest.Edge{
		{From: semver.MustParse("1.0.0"), To: semver.MustParse("1.1.0"), Migrations: []string{"migrate_v1.1.0_add-node-labels"}},
	})
	plan, err := g.Plan(semver.MustParse("1.0.0"), semver.MustParse("1.1.0"))
	require.NoError(t, err)

	snapshot := baseStore(t)
	// node-labels cannot be created below a value
	snapshot.Delete("settings.kubernetes.max-pods")
	require.NoError(t, snapshot.Set("settings.kubernetes", "flat"))
	before := snapshot.Clone()

	e := NewExecutor(filepath.Join(t.TempDir(), "migration.journal"))
	_, err = e.Execute(snapshot, plan, testMigrations(t))
	require.Error(t, err)

	var me *types.MigrationError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "migrate_v1.1.0_add-node-labels", me.MigrationID)
	assert.ErrorIs(t, err, datastore.ErrKeyConflict)
	assert.True(t, before.Equal(snapshot))
	assert.False(t, e.Pending())
}

func TestExecuteChecksMigrations(t *testing.T) {
	g := testGraph()
	e := NewExecutor(filepath.Join(t.TempDir(), "migration.journal"))
	ms := testMigrations(t)

	t.Run("missing", func(t *testing.T) {
		plan, err := g.Plan(semver.MustParse("1.3.0"), semver.MustParse("1.5.0"))
		require.NoError(t, err)
		s := baseStore(t)
		s.Version = semver.MustParse("1.3.0")
		_, err = e.Execute(s, plan, ms)
		assert.ErrorIs(t, err, ErrMissingMigration)
	})

	t.Run("not reversible", func(t *testing.T) {
		drop := mustParse(t, dropTelemetry)
		dg := NewGraph([]manifest.Edge{{From: drop.From, To: drop.To, Migrations: []string{drop.Name}}})
		plan, err := dg.Plan(drop.To, drop.From)
		require.NoError(t, err)
		s := baseStore(t)
		s.Version = drop.To
		_, err = e.Execute(s, plan, map[string]*Migration{drop.Name: drop})
		var me *types.MigrationError
		require.True(t, errors.As(err, &me))
		assert.ErrorIs(t, err, ErrNotReversible)
	})

	t.Run("wrong edge", func(t *testing.T) {
		wrong := mustParse(t, renameFoo)
		dg := NewGraph([]manifest.Edge{{From: semver.MustParse("1.0.0"), To: semver.MustParse("1.1.0"), Migrations: []string{wrong.Name}}})
		plan, err := dg.Plan(semver.MustParse("1.0.0"), semver.MustParse("1.1.0"))
		require.NoError(t, err)
		_, err = e.Execute(baseStore(t), plan, map[string]*Migration{wrong.Name: wrong})
		assert.ErrorIs(t, err, ErrEdgeMismatch)
	})

	t.Run("store version", func(t *testing.T) {
		plan, err := g.Plan(semver.MustParse("1.1.0"), semver.MustParse("1.2.0"))
		require.NoError(t, err)
		_, err = e.Execute(baseStore(t), plan, ms)
		assert.ErrorIs(t, err, ErrVersionMismatch)
	})
}

func TestExecuteResumesFromJournal(t *testing.T) {
	g := testGraph()
	ms := testMigrations(t)
	plan, err := g.Plan(semver.MustParse("1.0.0"), semver.MustParse("1.2.0"))
	require.NoError(t, err)

	e := NewExecutor(filepath.Join(t.TempDir(), "migration.journal"))
	snapshot := baseStore(t)

	// an earlier run completed the first operation and then stopped
	partial := snapshot.Clone()
	require.NoError(t, ms["migrate_v1.1.0_add-node-labels"].Operations[0].Apply(partial))
	require.NoError(t, partial.Set("settings.resumed", true))
	require.NoError(t, e.save(journal{Plan: plan, Cursor: 1, Store: partial}))
	require.True(t, e.Pending())

	out, err := e.Execute(snapshot, plan, ms)
	require.NoError(t, err)

	resumed, ok := out.Get("settings.resumed")
	assert.True(t, ok)
	assert.Equal(t, true, resumed)
	_, ok = out.Get("settings.bar")
	assert.True(t, ok)
	assert.False(t, e.Pending())
}

func TestExecuteIgnoresJournalOfOtherPlan(t *testing.T) {
	g := testGraph()
	ms := testMigrations(t)
	e := NewExecutor(filepath.Join(t.TempDir(), "migration.journal"))

	other, err := g.Plan(semver.MustParse("1.0.0"), semver.MustParse("1.1.0"))
	require.NoError(t, err)
	stale := baseStore(t)
	require.NoError(t, stale.Set("settings.stale", true))
	require.NoError(t, e.save(journal{Plan: other, Cursor: 1, Store: stale}))

	plan, err := g.Plan(semver.MustParse("1.0.0"), semver.MustParse("1.2.0"))
	require.NoError(t, err)
	out, err := e.Execute(baseStore(t), plan, ms)
	require.NoError(t, err)
	_, ok := out.Get("settings.stale")
	assert.False(t, ok)

	require.NoError(t, e.Abort())
}
