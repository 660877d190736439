package update

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/partition"
	log "github.com/sirupsen/logrus"
)

// SetInfo describes one partition set.
type SetInfo struct {
	ID         partition.SetID `json:"id"`
	Priority   uint8           `json:"priority"`
	TriesLeft  uint8           `json:"tries_left"`
	Successful bool            `json:"successful"`
	Booted     bool            `json:"booted"`
	Next       bool            `json:"next"`
}

// Report is the host's update status.
type Report struct {
	CurrentVersion   *semver.Version  `json:"current_version"`
	ChosenUpdate     *manifest.Update `json:"chosen_update"`
	AvailableUpdates []string         `json:"available_updates"`
	Status           Status           `json:"status"`

	StagedVersion   *semver.Version `json:"staged_version,omitempty"`
	PreviousVersion *semver.Version `json:"previous_version,omitempty"`
	LastCheck       *time.Time      `json:"last_check,omitempty"`
	LastCommand     *Command        `json:"most_recent_command,omitempty"`
	Partitions      []SetInfo       `json:"partitions,omitempty"`
}

// Status reports the persisted update state and the partition flags. It takes no lock.
func (u *Updater) Status() (*Report, error) {
	st, err := loadState(u.cfg.StateDir)
	if err != nil {
		return nil, err
	}
	r := &Report{
		CurrentVersion:   u.cfg.Release.Version,
		ChosenUpdate:     st.ChosenUpdate,
		AvailableUpdates: st.AvailableUpdates,
		Status:           st.Status,
		StagedVersion:    st.StagedVersion,
		PreviousVersion:  st.PreviousVersion,
		LastCommand:      st.LastCommand,
	}
	if !st.LastCheck.IsZero() {
		r.LastCheck = &st.LastCheck
	}

	ps, err := u.cfg.Partitions.Load()
	if err != nil {
		return nil, err
	}
	r.Partitions = setInfo(ps)
	return r, nil
}

// Partitions returns the current flags of both sets.
func (u *Updater) Partitions() ([]SetInfo, error) {
	ps, err := u.cfg.Partitions.Load()
	if err != nil {
		return nil, err
	}
	return setInfo(ps), nil
}

func setInfo(ps *partition.State) []SetInfo {
	next, ok := ps.Next()
	out := make([]SetInfo, 0, 2)
	for _, id := range []partition.SetID{partition.A, partition.B} {
		f := ps.Flags(id)
		out = append(out, SetInfo{
			ID:         id,
			Priority:   f.Priority(),
			TriesLeft:  f.TriesLeft(),
			Successful: f.Successful(),
			Booted:     id == ps.Booted(),
			Next:       ok && id == next,
		})
	}
	return out
}

// publish exports st and the partition flags as metrics.
func (u *Updater) publish(st *State) {
	m := u.cfg.Metrics
	m.SetStatus(string(st.Status))
	m.SetVersion("running", u.cfg.Release.Version.String())
	chosen := ""
	if st.ChosenUpdate != nil {
		chosen = st.ChosenUpdate.Version.String()
	}
	m.SetVersion("chosen", chosen)
	if chosen != "" {
		m.UpdateAvailable.Set(1)
	} else {
		m.UpdateAvailable.Set(0)
	}
	if !st.LastCheck.IsZero() {
		m.LastCheck.Set(float64(st.LastCheck.Unix()))
	}

	if ps, err := u.cfg.Partitions.Load(); err == nil {
		for _, s := range setInfo(ps) {
			m.SetPartitionSet(s.ID.String(), s.Priority, s.TriesLeft, s.Successful)
		}
	} else {
		log.Debugf("not exporting partition metrics: %v", err)
	}

	if err := m.WriteTextfile(u.cfg.MetricsTextfile); err != nil {
		log.Warnf("writing metrics: %v", err)
	}
}
