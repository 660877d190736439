package migration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/flipset/flipset/pkg/datastore"
	"github.com/flipset/flipset/pkg/types"
	"github.com/moby/sys/atomicwriter"
	log "github.com/sirupsen/logrus"
)

var (
	ErrMissingMigration = errors.New("migration was not supplied")
	ErrEdgeMismatch     = errors.New("migration does not belong to its graph edge")
	ErrVersionMismatch  = errors.New("store version does not match the plan")
)

// Executor applies plans to a copy of a store. After every operation the working copy and the
// position reached are written to the journal so an interrupted run resumes where it stopped.
type Executor struct {
	JournalPath string
}

// NewExecutor returns an executor journaling to path.
func NewExecutor(path string) *Executor {
	return &Executor{JournalPath: path}
}

type journal struct {
	Plan   Plan             `json:"plan"`
	Cursor int              `json:"cursor"`
	Store  *datastore.Store `json:"store"`
}

type opRef struct {
	step int
	op   int
}

// Pending reports whether an interrupted run left a journal behind.
func (e *Executor) Pending() bool {
	_, err := os.Stat(e.JournalPath)
	return err == nil
}

// Abort discards the journal of an interrupted run.
func (e *Executor) Abort() error {
	if err := os.Remove(e.JournalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discarding migration journal: %w", err)
	}
	return nil
}

// Execute applies plan to a copy of snapshot and returns the migrated copy tagged with plan.To.
// snapshot itself is never modified. If the journal holds an interrupted run of the same plan,
// execution resumes after its last completed operation.
//
// Execution is not cancellable: once started, a run completes or fails.
func (e *Executor) Execute(snapshot *datastore.Store, plan Plan, migrations map[string]*Migration) (*datastore.Store, error) {
	if snapshot.Version != nil && !snapshot.Version.Equal(plan.From) {
		return nil, fmt.Errorf("%w: store is at %s, plan starts at %s", ErrVersionMismatch, snapshot.Version, plan.From)
	}
	if err := checkMigrations(plan, migrations); err != nil {
		return nil, err
	}

	var ops []opRef
	for i, step := range plan.Steps {
		m := migrations[step.Migration]
		for j := range m.Operations {
			op := j
			if step.Direction == Backward {
				op = len(m.Operations) - 1 - j
			}
			ops = append(ops, opRef{step: i, op: op})
		}
	}

	work, cursor := e.resume(plan, len(ops))
	if work == nil {
		work = snapshot.Clone()
		cursor = 0
	} else {
		log.Infof("resuming migration from %s to %s at operation %d of %d", plan.From, plan.To, cursor, len(ops))
	}

	lastStep := -1
	for ; cursor < len(ops); cursor++ {
		ref := ops[cursor]
		step := plan.Steps[ref.step]
		if ref.step != lastStep {
			log.Infof("running migration %s %s", step.Migration, step.Direction)
			lastStep = ref.step
		}

		op := &migrations[step.Migration].Operations[ref.op]
		var err error
		if step.Direction == Backward {
			err = op.Reverse(work)
		} else {
			err = op.Apply(work)
		}
		if err != nil {
			if abortErr := e.Abort(); abortErr != nil {
				log.Warn(abortErr)
			}
			return nil, &types.MigrationError{MigrationID: step.Migration, Cause: fmt.Errorf("%s: %w", op, err)}
		}
		log.Debugf("%s: %s done", step.Migration, op)

		if err := e.save(journal{Plan: plan, Cursor: cursor + 1, Store: work}); err != nil {
			return nil, err
		}
	}

	work.Version = plan.To
	if err := e.Abort(); err != nil {
		return nil, err
	}
	return work, nil
}

func checkMigrations(plan Plan, migrations map[string]*Migration) error {
	for _, step := range plan.Steps {
		m, ok := migrations[step.Migration]
		if !ok || m == nil {
			return &types.MigrationError{MigrationID: step.Migration, Cause: ErrMissingMigration}
		}
		if !m.From.Equal(step.From) || !m.To.Equal(step.To) {
			return &types.MigrationError{
				MigrationID: step.Migration,
				Cause:       fmt.Errorf("%w: migration is %s to %s, edge is %s to %s", ErrEdgeMismatch, m.From, m.To, step.From, step.To),
			}
		}
		if step.Direction == Backward && !m.Reversible() {
			return &types.MigrationError{MigrationID: step.Migration, Cause: ErrNotReversible}
		}
	}
	return nil
}

// resume returns the journaled store and cursor when the journal belongs to plan.
func (e *Executor) resume(plan Plan, total int) (*datastore.Store, int) {
	data, err := os.ReadFile(e.JournalPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("ignoring unreadable migration journal: %v", err)
		}
		return nil, 0
	}
	var j journal
	if err := json.Unmarshal(data, &j); err != nil || j.Store == nil {
		log.Warnf("ignoring corrupt migration journal %s", e.JournalPath)
		return nil, 0
	}
	want, _ := json.Marshal(plan)
	got, _ := json.Marshal(j.Plan)
	if !bytes.Equal(want, got) || j.Cursor < 0 || j.Cursor > total {
		log.Warnf("discarding migration journal for a different plan (%s to %s)", j.Plan.From, j.Plan.To)
		return nil, 0
	}
	return j.Store, j.Cursor
}

func (e *Executor) save(j journal) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding migration journal: %w", err)
	}
	if err := atomicwriter.WriteFile(e.JournalPath, data, 0o600); err != nil {
		return fmt.Errorf("writing migration journal: %w", err)
	}
	return nil
}
