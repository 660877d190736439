package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/partition"
	"github.com/flipset/flipset/pkg/types"
	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
)

const (
	stateFile   = "state.json"
	lockFile    = "update.lock"
	journalFile = "migration-journal.json"
)

// Status is the position of the host in the update workflow.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusMigrating      Status = "migrating"
	StatusStaged         Status = "staged"
	StatusAwaitingReboot Status = "awaiting-reboot"
)

// Command records the outcome of the most recent operation.
type Command struct {
	Name   string    `json:"name"`
	Result string    `json:"result"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// State is persisted in <state-dir>/state.json. Only the holder of the update lock writes it.
type State struct {
	Status           Status           `json:"status"`
	CurrentVersion   *semver.Version  `json:"current_version,omitempty"`
	ChosenUpdate     *manifest.Update `json:"chosen_update,omitempty"`
	AvailableUpdates []string         `json:"available_updates"`
	LastCheck        time.Time        `json:"last_check,omitempty"`

	// StagedVersion and StagedSet describe the image scheduled into the inactive set, StagedFrom
	// the version that scheduled it.
	StagedVersion *semver.Version  `json:"staged_version,omitempty"`
	StagedSet     *partition.SetID `json:"staged_set,omitempty"`
	StagedFrom    *semver.Version  `json:"staged_from,omitempty"`
	// Snapshot holds the partition flags from before staging began.
	Snapshot *partition.Snapshot `json:"partition_snapshot,omitempty"`

	PreviousVersion *semver.Version `json:"previous_version,omitempty"`
	LastCommand     *Command        `json:"most_recent_command,omitempty"`
}

func newState() *State {
	return &State{Status: StatusIdle, AvailableUpdates: []string{}}
}

// clearStaging forgets everything written for a staged image and returns to idle.
func (s *State) clearStaging() {
	s.Status = StatusIdle
	s.StagedVersion = nil
	s.StagedSet = nil
	s.StagedFrom = nil
	s.Snapshot = nil
}

func loadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading update state: %w", err)
	}
	s := newState()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding update state: %w", err)
	}
	switch s.Status {
	case StatusIdle, StatusMigrating, StatusStaged, StatusAwaitingReboot:
	default:
		return nil, fmt.Errorf("update state has unknown status %q", s.Status)
	}
	return s, nil
}

func saveState(dir string, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding update state: %w", err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(dir, stateFile), data, 0o644); err != nil {
		return fmt.Errorf("writing update state: %w", err)
	}
	return nil
}

// acquire takes the update lock without waiting.
func acquire(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	l := flock.New(filepath.Join(dir, lockFile))
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking update state: %w", err)
	}
	if !ok {
		return nil, types.ErrUpdateInProgress
	}
	return l, nil
}
