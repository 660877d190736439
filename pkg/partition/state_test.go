package partition

import (
	"testing"

	"github.com/flipset/flipset/pkg/gpt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsBits(t *testing.T) {
	f := Flags(0x5555555555555555)
	assert.Equal(t, uint8(5), f.Priority())
	assert.Equal(t, uint8(5), f.TriesLeft())
	assert.True(t, f.Successful())

	f = Flags(0xaaaaaaaaaaaaaaaa)
	assert.Equal(t, uint8(10), f.Priority())
	assert.Equal(t, uint8(10), f.TriesLeft())
	assert.False(t, f.Successful())

	f.SetPriority(3)
	f.SetTriesLeft(15)
	f.SetSuccessful(true)
	assert.Equal(t, Flags(0xabf3aaaaaaaaaaaa), f)
	assert.Equal(t, "priority=3 tries_left=15 successful=true", f.String())
}

func TestFlagsWillBoot(t *testing.T) {
	tests := []struct {
		priority, tries uint8
		successful      bool
		expected        bool
	}{
		{0, 0, false, false},
		{1, 0, false, false},
		{0, 1, false, false},
		{1, 1, false, true},
		{0, 0, true, true},
		{2, 0, true, true},
	}
	for _, tt := range tests {
		var f Flags
		f.SetPriority(tt.priority)
		f.SetTriesLeft(tt.tries)
		f.SetSuccessful(tt.successful)
		assert.Equal(t, tt.expected, f.WillBoot(), f.String())
	}
}

// newTestState returns a state where A is booted, successful and scheduled.
func newTestState(t *testing.T) *State {
	t.Helper()
	table, err := gpt.New(16<<20, gpt.ZeroGUID)
	require.NoError(t, err)

	var a Flags
	a.SetPriority(2)
	a.SetSuccessful(true)
	for i, typ := range []gpt.GUID{TypeBoot, TypeRoot, TypeHash, TypeBoot, TypeRoot, TypeHash, TypePrivate} {
		p := gpt.Partition{Type: typ, GUID: gpt.GUID{byte(i + 1)}}
		if i == 0 {
			p.Attributes = uint64(a)
		}
		_, err := table.Add(p, 64)
		require.NoError(t, err)
	}
	s, err := NewState(table, []gpt.GUID{{2}})
	require.NoError(t, err)
	return s
}

// boot acts like the bootloader: it starts the next set, consuming a try of an unsuccessful set.
func boot(t *testing.T, s *State) SetID {
	t.Helper()
	id, ok := s.Next()
	require.True(t, ok, "no bootable set: %s", s)
	f := s.Flags(id)
	if !f.Successful() {
		f.SetTriesLeft(f.TriesLeft() - 1)
		s.setFlags(id, f)
	}
	s.booted = id
	return id
}

func stage(t *testing.T, s *State, tries uint8) {
	t.Helper()
	s.ClearInactive()
	s.MarkInactiveValid()
	require.NoError(t, s.UpgradeToInactive(tries))
}

func TestNewState(t *testing.T) {
	s := newTestState(t)
	assert.Equal(t, A, s.Booted())
	assert.Equal(t, B, s.Inactive())
	assert.Equal(t, gpt.GUID{5}, s.Set(B).Root.GUID)
	assert.Equal(t, gpt.GUID{6}, s.Set(B).Partition(Hash).GUID)

	_, err := NewState(s.Table(), []gpt.GUID{{99}})
	assert.ErrorIs(t, err, ErrBootedUnknown)

	incomplete, err := gpt.New(16<<20, gpt.ZeroGUID)
	require.NoError(t, err)
	_, err = incomplete.Add(gpt.Partition{Type: TypeBoot, GUID: gpt.GUID{1}}, 64)
	require.NoError(t, err)
	_, err = NewState(incomplete, []gpt.GUID{{1}})
	assert.ErrorIs(t, err, ErrMissingPartition)
}

func TestNext(t *testing.T) {
	s := newTestState(t)
	next, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, A, next)

	// equal priorities prefer A
	var f Flags
	f.SetPriority(2)
	f.SetSuccessful(true)
	s.setFlags(B, f)
	next, _ = s.Next()
	assert.Equal(t, A, next)

	s.setFlags(A, 0)
	s.setFlags(B, 0)
	_, ok = s.Next()
	assert.False(t, ok)
}

func TestUpgradeLifecycle(t *testing.T) {
	s := newTestState(t)

	s.ClearInactive()
	assert.Equal(t, Flags(0), s.Flags(B))
	assert.ErrorIs(t, s.UpgradeToInactive(3), ErrInactiveNotValid)

	s.MarkInactiveValid()
	assert.Equal(t, uint8(1), s.Flags(B).TriesLeft())
	next, _ := s.Next()
	assert.Equal(t, A, next, "a valid but unscheduled set is not booted")

	require.NoError(t, s.UpgradeToInactive(3))
	assert.Equal(t, uint8(2), s.Flags(B).Priority())
	assert.Equal(t, uint8(3), s.Flags(B).TriesLeft())
	assert.False(t, s.Flags(B).Successful())
	assert.Equal(t, uint8(1), s.Flags(A).Priority())
	next, _ = s.Next()
	assert.Equal(t, B, next)

	assert.ErrorIs(t, s.UpgradeToInactive(3), ErrInactiveAlreadyMarked)

	assert.Equal(t, B, boot(t, s))
	s.MarkSuccessfulBoot()
	assert.True(t, s.Flags(B).Successful())
	assert.True(t, s.HasBootSucceeded())
	for i := 0; i < 5; i++ {
		assert.Equal(t, B, boot(t, s))
	}
}

func TestUpgradeToInactiveTriesRange(t *testing.T) {
	s := newTestState(t)
	s.ClearInactive()
	s.MarkInactiveValid()
	assert.Error(t, s.UpgradeToInactive(0))
	assert.Error(t, s.UpgradeToInactive(MaxTries+1))
	assert.NoError(t, s.UpgradeToInactive(MaxTries))
}

func TestFailedBootsFallBack(t *testing.T) {
	s := newTestState(t)
	stage(t, s, 3)

	for i := 0; i < 3; i++ {
		assert.Equal(t, B, boot(t, s), "attempt %d", i+1)
	}
	assert.Equal(t, uint8(0), s.Flags(B).TriesLeft())
	assert.Equal(t, A, boot(t, s))
	assert.Equal(t, A, boot(t, s))
	assert.False(t, s.Flags(B).WillBoot())
}

func TestCancelUpgrade(t *testing.T) {
	s := newTestState(t)
	assert.ErrorIs(t, s.CancelUpgrade(), ErrNoUpgradePending)

	stage(t, s, 3)
	require.NoError(t, s.CancelUpgrade())
	assert.Equal(t, uint8(0), s.Flags(B).Priority())
	assert.Equal(t, uint8(2), s.Flags(A).Priority())
	next, _ := s.Next()
	assert.Equal(t, A, next)
}

func TestRestoreSnapshot(t *testing.T) {
	s := newTestState(t)

	// B was the previous version: scheduled behind A and known good
	var prev Flags
	prev.SetPriority(1)
	prev.SetSuccessful(true)
	s.setFlags(B, prev)

	before := s.Snapshot()
	stage(t, s, 3)
	assert.NotEqual(t, before, s.Snapshot())

	s.Restore(before)
	after := s.Snapshot()
	assert.Equal(t, before.A, after.A)
	assert.Equal(t, before.B.Priority(), after.B.Priority())
	assert.Equal(t, before.B.TriesLeft(), after.B.TriesLeft())
	assert.False(t, after.B.Successful(), "the overwritten set must not look known good")

	next, _ := s.Next()
	assert.Equal(t, A, next)
	assert.Equal(t, A, boot(t, s))
	assert.Equal(t, uint8(0), s.Flags(A).TriesLeft(), "no boot attempt consumed")
}

func TestRollbackToInactive(t *testing.T) {
	s := newTestState(t)
	assert.ErrorIs(t, s.RollbackToInactive(), ErrInactiveNotBootable)

	stage(t, s, 3)
	assert.Equal(t, B, boot(t, s))
	s.MarkSuccessfulBoot()

	// now on B; A is the previous, successful version
	require.NoError(t, s.RollbackToInactive())
	assert.Equal(t, uint8(2), s.Flags(A).Priority())
	assert.Equal(t, uint8(1), s.Flags(B).Priority())
	assert.Equal(t, A, boot(t, s))
}

func TestBootedFrom(t *testing.T) {
	cmdline := "BOOT_IMAGE=/vmlinuz root=PARTUUID=0FC63DAF-8483-4772-8E79-3D69D8477DE4 " +
		"dm-mod.create=root,,,ro,0 1 verity PARTUUID=6B636168-7420-6568-2070-6C616E657421/PARTNROFF=1 quiet"
	got := bootedFrom(cmdline)
	require.Len(t, got, 2)
	assert.Equal(t, "0FC63DAF-8483-4772-8E79-3D69D8477DE4", got[0].String())
	assert.Equal(t, TypeBoot, got[1])

	assert.Empty(t, bootedFrom("root=/dev/sda2 PARTUUID=short"))
}

func TestSetIDText(t *testing.T) {
	var id SetID
	require.NoError(t, id.UnmarshalText([]byte("b")))
	assert.Equal(t, B, id)
	assert.Equal(t, A, id.Other())
	b, err := A.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "A", string(b))
	assert.Error(t, id.UnmarshalText([]byte("C")))
}
