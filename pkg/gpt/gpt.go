// Package gpt reads and writes GUID partition tables.
//
// Writes go to the backup table first and to the primary table second, each followed by a sync,
// and are verified by reading both tables back. A reader whose primary table does not check out
// falls back to the backup, so a write interrupted at any point yields either the old or the
// new table.
package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"github.com/flipset/flipset/pkg/types"
	log "github.com/sirupsen/logrus"
)

const (
	SectorSize = 512

	signature      = "EFI PART"
	revision       = 0x00010000
	headerSize     = 92
	entrySize      = 128
	numEntries     = 128
	entriesSectors = numEntries * entrySize / SectorSize
	nameChars      = 36
)

var (
	ErrInvalidHeader = errors.New("invalid GPT header")
	ErrNoSpace       = errors.New("no space left in partition table")
)

// Device is the block device or image file holding the table.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Partition is one entry of the table.
type Partition struct {
	Type       GUID
	GUID       GUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
}

// Used reports whether the entry describes a partition.
func (p *Partition) Used() bool {
	return !p.Type.IsZero()
}

// Offset returns the partition's first byte on the device.
func (p *Partition) Offset() int64 {
	return int64(p.FirstLBA) * SectorSize
}

// Size returns the partition size in bytes.
func (p *Partition) Size() int64 {
	return int64(p.LastLBA-p.FirstLBA+1) * SectorSize
}

// Table is a decoded GUID partition table.
type Table struct {
	DiskGUID       GUID
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	// Partitions holds every entry, used or not; the index is the entry slot.
	Partitions []Partition

	lastLBA uint64
}

// New returns an empty table for a device of size bytes.
func New(size int64, diskGUID GUID) (*Table, error) {
	sectors := uint64(size / SectorSize)
	if sectors < 2*(1+entriesSectors)+2 {
		return nil, fmt.Errorf("device of %d bytes is too small for a GPT", size)
	}
	return &Table{
		DiskGUID:       diskGUID,
		FirstUsableLBA: 2 + entriesSectors,
		LastUsableLBA:  sectors - 2 - entriesSectors,
		Partitions:     make([]Partition, numEntries),
		lastLBA:        sectors - 1,
	}, nil
}

// Add places p in the first free slot and returns the slot index. A zero FirstLBA places the
// partition after the last used one.
func (t *Table) Add(p Partition, sectors uint64) (int, error) {
	if p.FirstLBA == 0 {
		p.FirstLBA = t.FirstUsableLBA
		for i := range t.Partitions {
			if t.Partitions[i].Used() && t.Partitions[i].LastLBA >= p.FirstLBA {
				p.FirstLBA = t.Partitions[i].LastLBA + 1
			}
		}
	}
	p.LastLBA = p.FirstLBA + sectors - 1
	if sectors == 0 || p.LastLBA > t.LastUsableLBA {
		return -1, fmt.Errorf("%w: %d sectors at %d", ErrNoSpace, sectors, p.FirstLBA)
	}
	for i := range t.Partitions {
		if !t.Partitions[i].Used() {
			t.Partitions[i] = p
			return i, nil
		}
	}
	return -1, ErrNoSpace
}

// ByGUID returns the partition with the unique GUID g.
func (t *Table) ByGUID(g GUID) (*Partition, bool) {
	for i := range t.Partitions {
		if t.Partitions[i].Used() && t.Partitions[i].GUID == g {
			return &t.Partitions[i], true
		}
	}
	return nil, false
}

// ByType returns the used partitions of type typ in slot order.
func (t *Table) ByType(typ GUID) []*Partition {
	var out []*Partition
	for i := range t.Partitions {
		if t.Partitions[i].Type == typ {
			out = append(out, &t.Partitions[i])
		}
	}
	return out
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	c := *t
	c.Partitions = make([]Partition, len(t.Partitions))
	copy(c.Partitions, t.Partitions)
	return &c
}

func (t *Table) encodeEntries() []byte {
	buf := make([]byte, numEntries*entrySize)
	for i, p := range t.Partitions {
		if i >= numEntries {
			break
		}
		e := buf[i*entrySize : (i+1)*entrySize]
		copy(e[0:16], p.Type[:])
		copy(e[16:32], p.GUID[:])
		binary.LittleEndian.PutUint64(e[32:40], p.FirstLBA)
		binary.LittleEndian.PutUint64(e[40:48], p.LastLBA)
		binary.LittleEndian.PutUint64(e[48:56], p.Attributes)
		name := utf16.Encode([]rune(p.Name))
		for j := 0; j < len(name) && j < nameChars; j++ {
			binary.LittleEndian.PutUint16(e[56+2*j:], name[j])
		}
	}
	return buf
}

func (t *Table) encodeHeader(myLBA, alternateLBA, entriesLBA uint64, entriesCRC uint32) []byte {
	h := make([]byte, SectorSize)
	copy(h[0:8], signature)
	binary.LittleEndian.PutUint32(h[8:12], revision)
	binary.LittleEndian.PutUint32(h[12:16], headerSize)
	binary.LittleEndian.PutUint64(h[24:32], myLBA)
	binary.LittleEndian.PutUint64(h[32:40], alternateLBA)
	binary.LittleEndian.PutUint64(h[40:48], t.FirstUsableLBA)
	binary.LittleEndian.PutUint64(h[48:56], t.LastUsableLBA)
	copy(h[56:72], t.DiskGUID[:])
	binary.LittleEndian.PutUint64(h[72:80], entriesLBA)
	binary.LittleEndian.PutUint32(h[80:84], numEntries)
	binary.LittleEndian.PutUint32(h[84:88], entrySize)
	binary.LittleEndian.PutUint32(h[88:92], entriesCRC)
	binary.LittleEndian.PutUint32(h[16:20], crc32.ChecksumIEEE(h[:headerSize]))
	return h
}

type layout struct {
	primaryHeader, backupHeader   []byte
	entries                       []byte
	primaryEntries, backupEntries int64
}

func (t *Table) layout() layout {
	entries := t.encodeEntries()
	crc := crc32.ChecksumIEEE(entries)
	backupEntriesLBA := t.lastLBA - entriesSectors
	return layout{
		primaryHeader:  t.encodeHeader(1, t.lastLBA, 2, crc),
		backupHeader:   t.encodeHeader(t.lastLBA, 1, backupEntriesLBA, crc),
		entries:        entries,
		primaryEntries: 2 * SectorSize,
		backupEntries:  int64(backupEntriesLBA) * SectorSize,
	}
}

// Write stores t on dev: backup entries and header, sync, primary entries and header, sync. Both
// copies are then read back and compared with what was written; any difference is
// types.ErrDurability.
func (t *Table) Write(dev Device) error {
	l := t.layout()
	lastOff := int64(t.lastLBA) * SectorSize

	if err := writeAll(dev, l.entries, l.backupEntries); err != nil {
		return fmt.Errorf("%w: writing backup entries: %w", types.ErrDurability, err)
	}
	if err := writeAll(dev, l.backupHeader, lastOff); err != nil {
		return fmt.Errorf("%w: writing backup header: %w", types.ErrDurability, err)
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("%w: syncing backup table: %w", types.ErrDurability, err)
	}
	if err := writeAll(dev, l.entries, l.primaryEntries); err != nil {
		return fmt.Errorf("%w: writing primary entries: %w", types.ErrDurability, err)
	}
	if err := writeAll(dev, l.primaryHeader, SectorSize); err != nil {
		return fmt.Errorf("%w: writing primary header: %w", types.ErrDurability, err)
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("%w: syncing primary table: %w", types.ErrDurability, err)
	}

	for _, region := range []struct {
		name string
		off  int64
		want []byte
	}{
		{"primary header", SectorSize, l.primaryHeader},
		{"primary entries", l.primaryEntries, l.entries},
		{"backup header", lastOff, l.backupHeader},
		{"backup entries", l.backupEntries, l.entries},
	} {
		got := make([]byte, len(region.want))
		if _, err := dev.ReadAt(got, region.off); err != nil {
			return fmt.Errorf("%w: reading back %s: %w", types.ErrDurability, region.name, err)
		}
		if !bytes.Equal(got, region.want) {
			return fmt.Errorf("%w: %s differs from what was written", types.ErrDurability, region.name)
		}
	}
	return nil
}

func writeAll(w io.WriterAt, b []byte, off int64) error {
	n, err := w.WriteAt(b, off)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// Read decodes the table of a device of size bytes, falling back to the backup copy when the
// primary one is damaged.
func Read(dev io.ReaderAt, size int64) (*Table, error) {
	lastLBA := uint64(size/SectorSize) - 1
	t, err := readAt(dev, 1, lastLBA)
	if err == nil {
		return t, nil
	}
	log.Warnf("primary GPT unusable, trying backup: %v", err)
	t, backupErr := readAt(dev, lastLBA, lastLBA)
	if backupErr != nil {
		return nil, fmt.Errorf("primary: %w; backup: %w", err, backupErr)
	}
	return t, nil
}

func readAt(dev io.ReaderAt, lba, lastLBA uint64) (*Table, error) {
	h := make([]byte, SectorSize)
	if _, err := dev.ReadAt(h, int64(lba)*SectorSize); err != nil {
		return nil, fmt.Errorf("reading header at LBA %d: %w", lba, err)
	}
	if string(h[0:8]) != signature {
		return nil, fmt.Errorf("%w at LBA %d: bad signature", ErrInvalidHeader, lba)
	}
	size := binary.LittleEndian.Uint32(h[12:16])
	if size < headerSize || size > SectorSize {
		return nil, fmt.Errorf("%w at LBA %d: header size %d", ErrInvalidHeader, lba, size)
	}
	want := binary.LittleEndian.Uint32(h[16:20])
	check := make([]byte, size)
	copy(check, h[:size])
	binary.LittleEndian.PutUint32(check[16:20], 0)
	if got := crc32.ChecksumIEEE(check); got != want {
		return nil, fmt.Errorf("%w at LBA %d: header CRC %08x, expected %08x", ErrInvalidHeader, lba, got, want)
	}
	if my := binary.LittleEndian.Uint64(h[24:32]); my != lba {
		return nil, fmt.Errorf("%w at LBA %d: header claims LBA %d", ErrInvalidHeader, lba, my)
	}

	count := binary.LittleEndian.Uint32(h[80:84])
	esize := binary.LittleEndian.Uint32(h[84:88])
	if esize < entrySize || count == 0 || count > 1024 {
		return nil, fmt.Errorf("%w at LBA %d: %d entries of %d bytes", ErrInvalidHeader, lba, count, esize)
	}
	entries := make([]byte, int(count)*int(esize))
	entriesLBA := binary.LittleEndian.Uint64(h[72:80])
	if _, err := dev.ReadAt(entries, int64(entriesLBA)*SectorSize); err != nil {
		return nil, fmt.Errorf("reading entries at LBA %d: %w", entriesLBA, err)
	}
	if got := crc32.ChecksumIEEE(entries); got != binary.LittleEndian.Uint32(h[88:92]) {
		return nil, fmt.Errorf("%w at LBA %d: entries CRC mismatch", ErrInvalidHeader, lba)
	}

	t := &Table{
		FirstUsableLBA: binary.LittleEndian.Uint64(h[40:48]),
		LastUsableLBA:  binary.LittleEndian.Uint64(h[48:56]),
		Partitions:     make([]Partition, numEntries),
		lastLBA:        lastLBA,
	}
	copy(t.DiskGUID[:], h[56:72])
	for i := 0; i < int(count) && i < numEntries; i++ {
		e := entries[i*int(esize) : i*int(esize)+entrySize]
		p := &t.Partitions[i]
		copy(p.Type[:], e[0:16])
		copy(p.GUID[:], e[16:32])
		p.FirstLBA = binary.LittleEndian.Uint64(e[32:40])
		p.LastLBA = binary.LittleEndian.Uint64(e[40:48])
		p.Attributes = binary.LittleEndian.Uint64(e[48:56])
		p.Name = decodeName(e[56:128])
	}
	return t, nil
}

func decodeName(b []byte) string {
	u := make([]uint16, 0, nameChars)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.LittleEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u))
}

// WriteProtectiveMBR writes the MBR that marks a device of size bytes as GPT formatted.
func WriteProtectiveMBR(dev io.WriterAt, size int64) error {
	mbr := make([]byte, SectorSize)
	sectors := uint64(size/SectorSize) - 1
	if sectors > 0xffffffff {
		sectors = 0xffffffff
	}
	p := mbr[446:462]
	p[1], p[2], p[3] = 0x00, 0x02, 0x00
	p[4] = 0xee
	p[5], p[6], p[7] = 0xff, 0xff, 0xff
	binary.LittleEndian.PutUint32(p[8:12], 1)
	binary.LittleEndian.PutUint32(p[12:16], uint32(sectors))
	mbr[510], mbr[511] = 0x55, 0xaa
	return writeAll(dev, mbr, 0)
}
