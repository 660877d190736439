package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/flipset/flipset/pkg/gpt"
	"github.com/flipset/flipset/pkg/partition"
	"github.com/stretchr/testify/require"
)

const (
	// DiskSize is the size of disk images created by CreateOSDisk.
	DiskSize = 32 << 20
	// PartitionSectors is the size of every partition of the image, in sectors.
	PartitionSectors = 2048
)

// Disk is an OS disk image file with two partition sets and a private partition.
type Disk struct {
	Path    string
	Cmdline string
	Table   *gpt.Table
}

// CreateOSDisk creates a disk image in dir. Set A is booted, marked successful and scheduled;
// set B is empty.
func CreateOSDisk(t testing.TB, dir string) *Disk {
	t.Helper()
	path := filepath.Join(dir, "os-disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(DiskSize))
	require.NoError(t, gpt.WriteProtectiveMBR(f, DiskSize))

	diskGUID, err := gpt.NewGUID()
	require.NoError(t, err)
	table, err := gpt.New(DiskSize, diskGUID)
	require.NoError(t, err)

	var bootA partition.Flags
	bootA.SetPriority(2)
	bootA.SetSuccessful(true)

	layout := []struct {
		name  string
		typ   gpt.GUID
		attrs uint64
	}{
		{"BOOT-A", partition.TypeBoot, uint64(bootA)},
		{"ROOT-A", partition.TypeRoot, 0},
		{"HASH-A", partition.TypeHash, 0},
		{"BOOT-B", partition.TypeBoot, 0},
		{"ROOT-B", partition.TypeRoot, 0},
		{"HASH-B", partition.TypeHash, 0},
		{"PRIVATE", partition.TypePrivate, 0},
	}
	for _, l := range layout {
		g, err := gpt.NewGUID()
		require.NoError(t, err)
		_, err = table.Add(gpt.Partition{Type: l.typ, GUID: g, Name: l.name, Attributes: l.attrs}, PartitionSectors)
		require.NoError(t, err)
	}
	require.NoError(t, table.Write(f))

	d := &Disk{Path: path, Cmdline: filepath.Join(dir, "cmdline"), Table: table}
	d.BootFrom(t, partition.A)
	return d
}

// BootFrom rewrites the kernel command line as if the host had started set id.
func (d *Disk) BootFrom(t testing.TB, id partition.SetID) {
	t.Helper()
	root := d.Table.ByType(partition.TypeRoot)[id]
	cmdline := fmt.Sprintf("BOOT_IMAGE=(hd0,gpt2)/vmlinuz console=ttyS0 root=/dev/dm-0 dm-mod.create=root,,,ro,0 1 verity PARTUUID=%s/PARTNROFF=1 rootwait\n", root.GUID)
	require.NoError(t, os.WriteFile(d.Cmdline, []byte(cmdline), 0o644))
}

// Manager returns a partition manager for the disk.
func (d *Disk) Manager() *partition.Manager {
	return &partition.Manager{Disk: d.Path, Cmdline: d.Cmdline}
}
