package partition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/flipset/flipset/pkg/gpt"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrImageTooLarge      = errors.New("image does not fit its partition")
	ErrInactiveNotCleared = errors.New("inactive partition set must be cleared before writing images")
	ErrTableChanged       = errors.New("partition table changed since it was loaded")
)

// DefaultCmdline is the kernel command line consulted to find the booted set.
const DefaultCmdline = "/proc/cmdline"

const partUUIDParameter = "PARTUUID="

// Manager reads and durably writes the partition sets of an OS disk.
type Manager struct {
	Disk    string
	Cmdline string
}

// NewManager returns a manager for the disk at path.
func NewManager(disk string) *Manager {
	return &Manager{Disk: disk, Cmdline: DefaultCmdline}
}

// Load reads the partition table and identifies the booted set.
func (m *Manager) Load() (*State, error) {
	f, err := os.Open(m.Disk)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening %s for reading", m.Disk)
	}
	defer f.Close()

	size, err := deviceSize(f)
	if err != nil {
		return nil, err
	}
	table, err := gpt.Read(f, size)
	if err != nil {
		return nil, fmt.Errorf("reading partition table of %s: %w", m.Disk, err)
	}

	cmdline, err := os.ReadFile(m.Cmdline)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading kernel command line")
	}
	return NewState(table, bootedFrom(string(cmdline)))
}

// bootedFrom returns every PARTUUID the kernel command line refers to.
func bootedFrom(cmdline string) []gpt.GUID {
	var out []gpt.GUID
	for _, field := range strings.Fields(cmdline) {
		for {
			i := strings.Index(field, partUUIDParameter)
			if i < 0 {
				break
			}
			field = field[i+len(partUUIDParameter):]
			if len(field) < 36 {
				break
			}
			if g, err := gpt.ParseGUID(field[:36]); err == nil {
				out = append(out, g)
			}
			field = field[36:]
		}
	}
	return out
}

// Commit durably writes the flags of s. The table on disk must still be the one s was loaded
// from apart from attribute changes; a failed or unverifiable write is types.ErrDurability.
func (m *Manager) Commit(s *State) error {
	f, err := os.OpenFile(m.Disk, os.O_RDWR, 0)
	if err != nil {
		return pkgerrors.Wrapf(err, "opening %s for writing", m.Disk)
	}
	defer f.Close()

	size, err := deviceSize(f)
	if err != nil {
		return err
	}
	current, err := gpt.Read(f, size)
	if err != nil {
		return fmt.Errorf("re-reading partition table of %s: %w", m.Disk, err)
	}
	if !sameLayout(current, s.Table()) {
		return ErrTableChanged
	}

	if err := s.Table().Write(f); err != nil {
		log.Errorf("partition table write to %s failed: %v", m.Disk, err)
		return err
	}
	log.Infof("partition table committed: %s", s)
	return nil
}

func sameLayout(a, b *gpt.Table) bool {
	if a.DiskGUID != b.DiskGUID || len(a.Partitions) != len(b.Partitions) {
		return false
	}
	for i := range a.Partitions {
		pa, pb := a.Partitions[i], b.Partitions[i]
		pa.Attributes, pb.Attributes = 0, 0
		if pa != pb {
			return false
		}
	}
	return true
}

// Mutate loads the current state, applies fn and commits the result.
func (m *Manager) Mutate(fn func(*State) error) (*State, error) {
	s, err := m.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := m.Commit(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ImageWriter writes one image into a partition of the inactive set.
type ImageWriter struct {
	f       *os.File
	w       *io.OffsetWriter
	limit   int64
	written int64
}

// OpenImage opens the kind partition of the inactive set of s for writing. The set must have
// been cleared so that a partially written image is never bootable.
func (m *Manager) OpenImage(s *State, kind ImageKind) (*ImageWriter, error) {
	target := s.Inactive()
	if f := s.Flags(target); f.Priority() != 0 || f.Successful() {
		return nil, fmt.Errorf("%w: set %s has %s", ErrInactiveNotCleared, target, f)
	}
	p := s.Set(target).Partition(kind)

	f, err := os.OpenFile(m.Disk, os.O_WRONLY, 0)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening %s for writing", m.Disk)
	}
	log.Debugf("writing %s image of set %s at offset %d (%d bytes available)", kind, target, p.Offset(), p.Size())
	return &ImageWriter{f: f, w: io.NewOffsetWriter(f, p.Offset()), limit: p.Size()}, nil
}

func (w *ImageWriter) Write(b []byte) (int, error) {
	if w.written+int64(len(b)) > w.limit {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, w.limit)
	}
	n, err := w.w.Write(b)
	w.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (w *ImageWriter) Written() int64 {
	return w.written
}

// Close syncs the image to disk.
func (w *ImageWriter) Close() error {
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	if syncErr != nil {
		return pkgerrors.Wrap(syncErr, "syncing image")
	}
	return closeErr
}

func deviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "determining size of %s", f.Name())
	}
	return size, nil
}
