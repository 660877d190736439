package migration

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/types"
)

// Direction is the way a migration is traversed.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "forward":
		*d = Forward
	case "backward":
		*d = Backward
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}

// Step runs one migration in one direction. From and To are the bounds of the migration's edge
// in the forward direction.
type Step struct {
	Migration string          `json:"migration"`
	From      *semver.Version `json:"from"`
	To        *semver.Version `json:"to"`
	Direction Direction       `json:"direction"`
}

// Plan is the ordered list of migrations moving a store from From to To.
type Plan struct {
	From      *semver.Version `json:"from"`
	To        *semver.Version `json:"to"`
	Direction Direction       `json:"direction"`
	Steps     []Step          `json:"steps"`
}

// Names returns the migration names in execution order.
func (p Plan) Names() []string {
	names := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		names = append(names, s.Migration)
	}
	return names
}

type edge struct {
	from, to   *semver.Version
	migrations []string
}

// Graph is the directed migration graph. Every edge points from a lower to a higher version.
type Graph struct {
	out map[string][]edge
}

// NewGraph builds a graph from manifest edges.
func NewGraph(edges []manifest.Edge) *Graph {
	g := &Graph{out: make(map[string][]edge)}
	for _, e := range edges {
		if e.From == nil || e.To == nil || !e.From.LessThan(e.To) {
			continue
		}
		key := e.From.String()
		g.out[key] = append(g.out[key], edge{from: e.From, to: e.To, migrations: e.Migrations})
	}
	for _, list := range g.out {
		sort.Slice(list, func(i, j int) bool {
			return list[i].to.LessThan(list[j].to)
		})
	}
	return g
}

// Plan returns the migrations needed to move a store from one version to another.
//
// Moving up walks edges forward, always trying the nearest next version first. Moving down takes
// the forward path from to up to from and walks it in reverse, each edge's migrations reversed.
func (g *Graph) Plan(from, to *semver.Version) (Plan, error) {
	p := Plan{From: from, To: to, Direction: Forward}
	switch {
	case from.Equal(to):
		return p, nil
	case from.LessThan(to):
		path, ok := g.path(from, to)
		if !ok {
			return Plan{}, fmt.Errorf("%w from %s to %s", types.ErrNoMigrationPath, from, to)
		}
		for _, e := range path {
			for _, name := range e.migrations {
				p.Steps = append(p.Steps, Step{Migration: name, From: e.from, To: e.to, Direction: Forward})
			}
		}
		return p, nil
	default:
		path, ok := g.path(to, from)
		if !ok {
			return Plan{}, fmt.Errorf("%w from %s to %s", types.ErrNoMigrationPath, from, to)
		}
		p.Direction = Backward
		for i := len(path) - 1; i >= 0; i-- {
			e := path[i]
			for j := len(e.migrations) - 1; j >= 0; j-- {
				p.Steps = append(p.Steps, Step{Migration: e.migrations[j], From: e.from, To: e.to, Direction: Backward})
			}
		}
		return p, nil
	}
}

func (g *Graph) path(from, to *semver.Version) ([]edge, bool) {
	if from.Equal(to) {
		return nil, true
	}
	for _, e := range g.out[from.String()] {
		if e.to.GreaterThan(to) {
			break
		}
		if rest, ok := g.path(e.to, to); ok {
			return append([]edge{e}, rest...), true
		}
	}
	return nil, false
}
