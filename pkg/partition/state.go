// Package partition drives the A/B partition sets of the OS disk.
//
// Each set is a boot, a root and a hash partition. The set's scheduling state lives in the
// attribute word of its boot partition (see Flags). The set the bootloader will pick next is
// always computed from those flags and never stored.
package partition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flipset/flipset/pkg/gpt"
	log "github.com/sirupsen/logrus"
)

// Partition type GUIDs of the OS disk. The first partition of each type belongs to set A, the
// second to set B.
var (
	TypeBoot    = gpt.MustParseGUID("6B636168-7420-6568-2070-6C616E657421")
	TypeRoot    = gpt.MustParseGUID("5526016A-1A97-4EA4-B39A-B7C8C6CA4502")
	TypeHash    = gpt.MustParseGUID("598F10AF-C955-4456-6A99-7720068A6CEA")
	TypePrivate = gpt.MustParseGUID("440408BB-EB0B-4328-A6E5-A29038FAD706")
)

var (
	ErrInactiveAlreadyMarked = errors.New("inactive partition set is already marked for upgrade")
	ErrInactiveNotValid      = errors.New("inactive partition set has not been marked valid")
	ErrNoUpgradePending      = errors.New("no upgrade to the inactive partition set is pending")
	ErrInactiveNotBootable   = errors.New("inactive partition set is not bootable")
	ErrBootedUnknown         = errors.New("booted partition is not part of either set")
	ErrMissingPartition      = errors.New("partition missing from set")
)

// SetID selects one of the two partition sets.
type SetID int

const (
	A SetID = iota
	B
)

// Other returns the opposite set.
func (id SetID) Other() SetID {
	return 1 - id
}

func (id SetID) String() string {
	if id == B {
		return "B"
	}
	return "A"
}

func (id SetID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SetID) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "A":
		*id = A
	case "B":
		*id = B
	default:
		return fmt.Errorf("unknown partition set %q", b)
	}
	return nil
}

// ImageKind selects a partition within a set.
type ImageKind int

const (
	Boot ImageKind = iota
	Root
	Hash
)

func (k ImageKind) String() string {
	switch k {
	case Root:
		return "root"
	case Hash:
		return "hash"
	default:
		return "boot"
	}
}

// Set describes a partition set.
type Set struct {
	ID    SetID
	Boot  gpt.Partition
	Root  gpt.Partition
	Hash  gpt.Partition
	Flags Flags
}

// Partition returns the partition holding an image of kind.
func (s Set) Partition(kind ImageKind) gpt.Partition {
	switch kind {
	case Root:
		return s.Root
	case Hash:
		return s.Hash
	default:
		return s.Boot
	}
}

// Snapshot records the flags of both sets.
type Snapshot struct {
	A Flags `json:"a"`
	B Flags `json:"b"`
}

func (s Snapshot) get(id SetID) Flags {
	if id == B {
		return s.B
	}
	return s.A
}

// State is the partition table of the OS disk seen from the running set. Mutations only change
// the in-memory table; Manager.Commit writes them.
type State struct {
	table   *gpt.Table
	slots   [2][3]int
	private int
	booted  SetID
}

// NewState locates both sets in table and determines the booted one from the unique GUIDs of the
// partitions the kernel was started from.
func NewState(table *gpt.Table, bootedFrom []gpt.GUID) (*State, error) {
	s := &State{table: table, private: -1}
	for kind, typ := range []gpt.GUID{TypeBoot, TypeRoot, TypeHash} {
		n := 0
		for i := range table.Partitions {
			if table.Partitions[i].Type != typ {
				continue
			}
			if n < 2 {
				s.slots[n][kind] = i
			}
			n++
		}
		if n < 2 {
			return nil, fmt.Errorf("%w: found %d %s partitions", ErrMissingPartition, n, ImageKind(kind))
		}
	}
	for i := range table.Partitions {
		if table.Partitions[i].Type == TypePrivate {
			s.private = i
			break
		}
	}
	if s.private < 0 {
		return nil, fmt.Errorf("%w: private partition", ErrMissingPartition)
	}

	for _, g := range bootedFrom {
		for id := A; id <= B; id++ {
			for _, slot := range s.slots[id] {
				if table.Partitions[slot].GUID == g {
					s.booted = id
					return s, nil
				}
			}
		}
	}
	return nil, ErrBootedUnknown
}

// Table returns the partition table including pending mutations.
func (s *State) Table() *gpt.Table {
	return s.table
}

// Clone returns an independent copy of s.
func (s *State) Clone() *State {
	c := *s
	c.table = s.table.Clone()
	return &c
}

// Set returns the partitions and flags of a set.
func (s *State) Set(id SetID) Set {
	p := s.table.Partitions
	return Set{
		ID:    id,
		Boot:  p[s.slots[id][Boot]],
		Root:  p[s.slots[id][Root]],
		Hash:  p[s.slots[id][Hash]],
		Flags: s.Flags(id),
	}
}

// Flags returns the scheduling flags of a set.
func (s *State) Flags(id SetID) Flags {
	return Flags(s.table.Partitions[s.slots[id][Boot]].Attributes)
}

func (s *State) setFlags(id SetID, f Flags) {
	p := &s.table.Partitions[s.slots[id][Boot]]
	if Flags(p.Attributes) != f {
		log.Debugf("set %s: %s -> %s", id, Flags(p.Attributes), f)
	}
	p.Attributes = uint64(f)
}

// Booted returns the set the running system was started from.
func (s *State) Booted() SetID {
	return s.booted
}

// Inactive returns the set not running now, the one updates are written to.
func (s *State) Inactive() SetID {
	return s.booted.Other()
}

// Next returns the set the bootloader will start next: the higher priority bootable set, A on a
// tie. The boolean is false when neither set will boot.
func (s *State) Next() (SetID, bool) {
	a, b := s.Flags(A), s.Flags(B)
	switch {
	case a.WillBoot() && b.WillBoot():
		if a.Priority() >= b.Priority() {
			return A, true
		}
		return B, true
	case a.WillBoot():
		return A, true
	case b.WillBoot():
		return B, true
	default:
		return A, false
	}
}

// Snapshot returns the flags of both sets.
func (s *State) Snapshot() Snapshot {
	return Snapshot{A: s.Flags(A), B: s.Flags(B)}
}

// ClearInactive makes the inactive set unbootable before images are written to it.
func (s *State) ClearInactive() {
	f := s.Flags(s.Inactive())
	f.SetPriority(0)
	f.SetTriesLeft(0)
	f.SetSuccessful(false)
	s.setFlags(s.Inactive(), f)
}

// MarkInactiveValid records that the inactive set holds a complete, verified image. Its priority
// stays zero so it is not booted yet.
func (s *State) MarkInactiveValid() {
	f := s.Flags(s.Inactive())
	f.SetTriesLeft(1)
	s.setFlags(s.Inactive(), f)
}

// UpgradeToInactive schedules the inactive set ahead of the booted one with tries boot attempts.
// The inactive set must have been marked valid and not yet scheduled.
func (s *State) UpgradeToInactive(tries uint8) error {
	inactive := s.Flags(s.Inactive())
	if inactive.Priority() != 0 || inactive.Successful() {
		return ErrInactiveAlreadyMarked
	}
	if inactive.TriesLeft() == 0 {
		return ErrInactiveNotValid
	}
	if tries == 0 || tries > MaxTries {
		return fmt.Errorf("tries must be between 1 and %d, got %d", MaxTries, tries)
	}
	inactive.SetPriority(2)
	inactive.SetTriesLeft(tries)
	inactive.SetSuccessful(false)
	s.setFlags(s.Inactive(), inactive)

	active := s.Flags(s.booted)
	active.SetPriority(1)
	s.setFlags(s.booted, active)
	return nil
}

// CancelUpgrade moves the booted set back ahead of a scheduled inactive set.
func (s *State) CancelUpgrade() error {
	inactive := s.Flags(s.Inactive())
	active := s.Flags(s.booted)
	if inactive.Priority() <= active.Priority() {
		return ErrNoUpgradePending
	}
	inactive.SetPriority(0)
	s.setFlags(s.Inactive(), inactive)
	active.SetPriority(2)
	s.setFlags(s.booted, active)
	return nil
}

// Restore returns the priority and tries-left of both sets to snap, taken before an update was
// staged. The inactive set was overwritten since, so it is left unsuccessful.
func (s *State) Restore(snap Snapshot) {
	for _, id := range []SetID{s.booted, s.Inactive()} {
		want := snap.get(id)
		f := s.Flags(id)
		f.SetPriority(want.Priority())
		f.SetTriesLeft(want.TriesLeft())
		if id == s.booted {
			f.SetSuccessful(want.Successful())
		} else {
			f.SetSuccessful(false)
		}
		s.setFlags(id, f)
	}
}

// RollbackToInactive schedules the inactive set ahead of the booted one right away. The inactive
// set must be bootable.
func (s *State) RollbackToInactive() error {
	inactive := s.Flags(s.Inactive())
	if !inactive.WillBoot() {
		return fmt.Errorf("%w: %s", ErrInactiveNotBootable, inactive)
	}
	inactive.SetPriority(2)
	s.setFlags(s.Inactive(), inactive)

	active := s.Flags(s.booted)
	active.SetPriority(1)
	s.setFlags(s.booted, active)
	return nil
}

// MarkSuccessfulBoot marks the booted set successful and records on the private partition that
// the host has booted successfully at least once.
func (s *State) MarkSuccessfulBoot() {
	f := s.Flags(s.booted)
	f.SetSuccessful(true)
	s.setFlags(s.booted, f)
	s.table.Partitions[s.private].Attributes |= uint64(bootEverSucceededBit)
}

// HasBootSucceeded reports whether any boot of this host was ever marked successful.
func (s *State) HasBootSucceeded() bool {
	return Flags(s.table.Partitions[s.private].Attributes)&bootEverSucceededBit != 0
}

func (s *State) String() string {
	next, ok := s.Next()
	nextStr := next.String()
	if !ok {
		nextStr = "none"
	}
	return fmt.Sprintf("booted=%s next=%s A[%s] B[%s]", s.booted, nextStr, s.Flags(A), s.Flags(B))
}
