package datastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const storeFile = "store.json"

// DefaultDir holds the store slots on the persistent data partition.
const DefaultDir = "/var/lib/flipset/datastore"

// Slots are the per partition set store files on the data partition:
// <dir>/<slot>/store.json.
type Slots struct {
	Fs  afero.Fs
	Dir string
}

// NewSlots returns slots on the OS filesystem.
func NewSlots(dir string) *Slots {
	return &Slots{Fs: afero.NewOsFs(), Dir: dir}
}

// Path returns the store file of slot.
func (s *Slots) Path(slot string) string {
	return filepath.Join(s.Dir, slot, storeFile)
}

// Exists reports whether slot holds a store.
func (s *Slots) Exists(slot string) (bool, error) {
	return afero.Exists(s.Fs, s.Path(slot))
}

// Load reads the store of slot. A missing store is reported as os.ErrNotExist.
func (s *Slots) Load(slot string) (*Store, error) {
	path := s.Path(slot)
	data, err := afero.ReadFile(s.Fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading store %s", path)
	}
	st := New(nil)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decoding store %s: %w", path, err)
	}
	st.init()
	return st, nil
}

// Save replaces the store of slot. The file is synced next to its destination and renamed into
// place so readers never observe a partial store, before or after a crash.
func (s *Slots) Save(slot string, st *Store) error {
	path := s.Path(slot)
	if err := s.Fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating store directory for slot %s", slot)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	if _, ok := s.Fs.(*afero.OsFs); ok {
		if err := atomicwriter.WriteFile(path, data, 0o600); err != nil {
			return errors.Wrapf(err, "replacing %s", path)
		}
	} else if err := s.replace(path, data); err != nil {
		return err
	}
	log.Debugf("saved store version %v to slot %s", st.Version, slot)
	return nil
}

func (s *Slots) replace(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := s.Fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.Fs.Rename(tmp, path)
	}
	if err != nil {
		_ = s.Fs.Remove(tmp)
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}

// Remove deletes the store of slot if present.
func (s *Slots) Remove(slot string) error {
	err := s.Fs.Remove(s.Path(slot))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing store of slot %s", slot)
	}
	return nil
}
