// Package update drives a host from one image to the next: check the repository, stage the chosen
// image and its migrated configuration into the inactive partition set, activate it, and confirm
// or roll back.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/datastore"
	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/metrics"
	"github.com/flipset/flipset/pkg/migration"
	"github.com/flipset/flipset/pkg/partition"
	"github.com/flipset/flipset/pkg/release"
	"github.com/flipset/flipset/pkg/repo"
	"github.com/flipset/flipset/pkg/selector"
	"github.com/flipset/flipset/pkg/types"
	"github.com/flipset/flipset/pkg/wave"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const migrationFetchLimit = 4

// Repository is the verified view of the update repository. *repo.Client implements it.
type Repository interface {
	Refresh(ctx context.Context) error
	Manifest() (*manifest.Manifest, error)
	FetchTarget(ctx context.Context, name string, w io.Writer) error
	FetchMigration(ctx context.Context, name string) ([]byte, error)
}

// Config wires an Updater.
type Config struct {
	StateDir    string
	Release     *release.Release
	Seed        uint32
	Lock        selector.Lock
	IgnoreWaves bool
	TriesBudget uint8

	Repo       Repository
	Retry      repo.RetryPolicy
	Partitions *partition.Manager
	Slots      *datastore.Slots

	Metrics         *metrics.Metrics
	MetricsTextfile string

	// Now and Reboot default to the real clock and a system reboot.
	Now    func() time.Time
	Reboot func(ctx context.Context) error
}

// Updater runs update operations. Every mutating operation holds the update lock.
type Updater struct {
	cfg      Config
	executor *migration.Executor
}

func New(cfg Config) (*Updater, error) {
	if cfg.Release == nil || cfg.Partitions == nil || cfg.Slots == nil || cfg.StateDir == "" {
		return nil, errors.New("release, partitions, store slots and state directory are required")
	}
	if cfg.Seed >= wave.MaxSeed {
		return nil, fmt.Errorf("seed %d out of range [0, %d)", cfg.Seed, wave.MaxSeed)
	}
	if cfg.TriesBudget == 0 {
		cfg.TriesBudget = 3
	}
	if cfg.Retry == (repo.RetryPolicy{}) {
		cfg.Retry = repo.DefaultRetryPolicy
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Reboot == nil {
		cfg.Reboot = Reboot
	}
	return &Updater{
		cfg:      cfg,
		executor: migration.NewExecutor(filepath.Join(cfg.StateDir, journalFile)),
	}, nil
}

// CheckOptions tune Check, Stage and Apply.
type CheckOptions struct {
	// Version stages this exact version instead of selecting one; waves do not apply.
	Version     *semver.Version
	IgnoreWaves bool
}

// CheckResult is the outcome of a repository check.
type CheckResult struct {
	Current   *semver.Version
	Chosen    *manifest.Update
	Available []manifest.Update
	// EligibleAt is when this host enters the newest release's rollout, if it is not yet
	// eligible for it.
	EligibleAt *time.Time
}

// run executes op under the update lock and records its outcome.
func (u *Updater) run(name string, op func(*State) error) error {
	l, err := acquire(u.cfg.StateDir)
	if err != nil {
		u.cfg.Metrics.Observe(name, err)
		return err
	}
	defer l.Unlock()

	st, err := loadState(u.cfg.StateDir)
	if err != nil {
		u.cfg.Metrics.Observe(name, err)
		return err
	}
	st.CurrentVersion = u.cfg.Release.Version

	opErr := op(st)
	st.LastCommand = &Command{Name: name, Result: "success", Time: u.cfg.Now().UTC()}
	if opErr != nil {
		st.LastCommand.Result = "failure"
		st.LastCommand.Error = opErr.Error()
		log.Errorf("%s failed: %v", name, opErr)
	}
	if err := saveState(u.cfg.StateDir, st); err != nil {
		return errors.Join(opErr, err)
	}
	u.cfg.Metrics.Observe(name, opErr)
	u.publish(st)
	return opErr
}

// Check refreshes the repository and selects the update this host should take now.
func (u *Updater) Check(ctx context.Context, opts CheckOptions) (*CheckResult, error) {
	var res *CheckResult
	err := u.run("check", func(st *State) error {
		var err error
		res, err = u.check(ctx, st, opts)
		return err
	})
	return res, err
}

func (u *Updater) check(ctx context.Context, st *State, opts CheckOptions) (*CheckResult, error) {
	if u.cfg.Repo == nil {
		return nil, errors.New("no update repository is configured")
	}
	if err := repo.RefreshWithRetry(ctx, u.cfg.Repo, u.cfg.Retry); err != nil {
		return nil, fmt.Errorf("refreshing repository: %w", err)
	}
	m, err := u.cfg.Repo.Manifest()
	if err != nil {
		return nil, err
	}

	rel := u.cfg.Release
	available := m.Applicable(rel.VariantID, rel.Arch)
	evaluator, err := wave.NewEvaluator(u.cfg.Seed, u.cfg.IgnoreWaves || opts.IgnoreWaves)
	if err != nil {
		return nil, err
	}
	now := u.cfg.Now()

	lock := u.cfg.Lock
	if opts.Version != nil {
		lock = selector.Lock{Version: opts.Version}
	}
	sel := selector.Select(available, rel.Version, lock, func(up manifest.Update) bool {
		return evaluator.Eligible(up.Waves, now)
	})

	res := &CheckResult{Current: rel.Version, Chosen: sel.Chosen, Available: sel.Available}
	if sel.Chosen == nil && lock.Latest() && len(sel.Available) > 0 && sel.Available[0].Version.GreaterThan(rel.Version) {
		at := evaluator.When(sel.Available[0].Waves)
		res.EligibleAt = &at
	}

	st.ChosenUpdate = sel.Chosen
	st.AvailableUpdates = sel.AvailableVersions()
	st.LastCheck = now.UTC()
	if sel.Chosen != nil {
		log.Infof("Update %s is available for this host", sel.Chosen.Version)
	} else {
		log.Infof("No update available for %s", rel.Version)
	}
	return res, nil
}

// Stage writes the chosen image into the inactive partition set and migrates the active set's
// configuration into the inactive store slot. The inactive set is marked valid but not scheduled.
func (u *Updater) Stage(ctx context.Context, opts CheckOptions) error {
	return u.run("stage", func(st *State) error {
		return u.stage(ctx, st, opts)
	})
}

func (u *Updater) stage(ctx context.Context, st *State, opts CheckOptions) error {
	resume := false
	switch st.Status {
	case StatusIdle:
	case StatusMigrating:
		// the lock is ours, so the run that left this status is gone
		log.Warnf("Resuming interrupted staging of %s", st.StagedVersion)
		resume = true
		if opts.Version == nil {
			opts.Version = st.StagedVersion
		}
	default:
		return fmt.Errorf("%w: status is %s", types.ErrUpdateInProgress, st.Status)
	}

	res, err := u.check(ctx, st, opts)
	if err != nil {
		return err
	}
	if res.Chosen == nil {
		if resume {
			st.clearStaging()
			if err := u.executor.Abort(); err != nil {
				log.Warn(err)
			}
		}
		return types.ErrNoUpdateAvailable
	}
	target := *res.Chosen

	m, err := u.cfg.Repo.Manifest()
	if err != nil {
		return err
	}
	plan, err := migration.NewGraph(m.Migrations).Plan(u.cfg.Release.Version, target.Version)
	if err != nil {
		return err
	}
	migrations, err := u.fetchMigrations(ctx, plan)
	if err != nil {
		return err
	}

	ps, err := u.cfg.Partitions.Load()
	if err != nil {
		return err
	}
	inactive := ps.Inactive()
	if !resume || st.Snapshot == nil {
		snap := ps.Snapshot()
		st.Snapshot = &snap
	}
	st.Status = StatusMigrating
	st.StagedVersion = target.Version
	st.StagedSet = &inactive
	st.StagedFrom = u.cfg.Release.Version
	if err := saveState(u.cfg.StateDir, st); err != nil {
		return err
	}

	if err := u.writeImages(ctx, target); err != nil {
		st.clearStaging()
		return err
	}

	active, err := u.loadStore(ps.Booted())
	if err != nil {
		st.clearStaging()
		return err
	}
	migrated, err := u.executor.Execute(active, plan, migrations)
	if err != nil {
		st.clearStaging()
		return err
	}
	if err := u.cfg.Slots.Save(inactive.String(), migrated); err != nil {
		st.clearStaging()
		return err
	}

	if _, err := u.cfg.Partitions.Mutate(func(s *partition.State) error {
		s.MarkInactiveValid()
		return nil
	}); err != nil {
		st.clearStaging()
		return err
	}
	st.Status = StatusStaged
	log.Infof("Staged %s on partition set %s", target.Version, inactive)
	return nil
}

// fetchMigrations downloads and parses every migration of plan.
func (u *Updater) fetchMigrations(ctx context.Context, plan migration.Plan) (map[string]*migration.Migration, error) {
	var mu sync.Mutex
	out := make(map[string]*migration.Migration)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(migrationFetchLimit)
	seen := make(map[string]bool)
	for _, name := range plan.Names() {
		if seen[name] {
			continue
		}
		seen[name] = true
		g.Go(func() error {
			data, err := u.cfg.Repo.FetchMigration(gctx, name)
			if err != nil {
				return err
			}
			m, err := migration.Parse(data)
			if err != nil {
				return &types.MigrationError{MigrationID: name, Cause: err}
			}
			if m.Name != name {
				return &types.MigrationError{MigrationID: name, Cause: fmt.Errorf("document is named %s", m.Name)}
			}
			mu.Lock()
			out[name] = m
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// writeImages clears the inactive set and streams the boot, root and hash images into it.
func (u *Updater) writeImages(ctx context.Context, target manifest.Update) error {
	ps, err := u.cfg.Partitions.Mutate(func(s *partition.State) error {
		s.ClearInactive()
		return nil
	})
	if err != nil {
		return err
	}

	images := []struct {
		kind partition.ImageKind
		name string
	}{
		{partition.Boot, target.Images.Boot},
		{partition.Root, target.Images.Root},
		{partition.Hash, target.Images.Hash},
	}
	for _, img := range images {
		w, err := u.cfg.Partitions.OpenImage(ps, img.kind)
		if err != nil {
			return err
		}
		log.Infof("Writing %s image %s", img.kind, img.name)
		fetchErr := u.cfg.Repo.FetchTarget(ctx, img.name, w)
		closeErr := w.Close()
		if err := errors.Join(fetchErr, closeErr); err != nil {
			return fmt.Errorf("writing %s image: %w", img.kind, err)
		}
	}
	return nil
}

// loadStore returns the store of set id. A host that never had a store starts from an empty one
// at the running version.
func (u *Updater) loadStore(id partition.SetID) (*datastore.Store, error) {
	s, err := u.cfg.Slots.Load(id.String())
	if errors.Is(err, os.ErrNotExist) {
		log.Warnf("No configuration store for set %s, starting from an empty one", id)
		return datastore.New(u.cfg.Release.Version), nil
	}
	return s, err
}

// Activate schedules the staged set to boot next, with the configured number of tries.
func (u *Updater) Activate(ctx context.Context) error {
	return u.run("activate", func(st *State) error {
		return u.activate(st)
	})
}

func (u *Updater) activate(st *State) error {
	if st.Status != StatusStaged {
		return fmt.Errorf("%w: status is %s", types.ErrNotStaged, st.Status)
	}
	if _, err := u.cfg.Partitions.Mutate(func(s *partition.State) error {
		return s.UpgradeToInactive(u.cfg.TriesBudget)
	}); err != nil {
		return err
	}
	st.Status = StatusAwaitingReboot
	log.Infof("Activated %s, it boots next", st.StagedVersion)
	return nil
}

// ApplyOptions extend CheckOptions for Apply.
type ApplyOptions struct {
	CheckOptions
	Reboot bool
}

// Apply stages (unless an update is already staged) and activates, then optionally reboots.
func (u *Updater) Apply(ctx context.Context, opts ApplyOptions) error {
	err := u.run("apply", func(st *State) error {
		if st.Status != StatusStaged {
			if err := u.stage(ctx, st, opts.CheckOptions); err != nil {
				return err
			}
		}
		return u.activate(st)
	})
	if err != nil || !opts.Reboot {
		return err
	}
	return u.cfg.Reboot(ctx)
}

// Cancel discards a staged or activated update and restores the partition flags from before
// staging. No boot attempt is consumed.
func (u *Updater) Cancel(ctx context.Context) error {
	return u.run("cancel", func(st *State) error {
		switch st.Status {
		case StatusStaged, StatusAwaitingReboot, StatusMigrating:
		default:
			return fmt.Errorf("%w: status is %s", types.ErrNotStaged, st.Status)
		}
		if err := u.executor.Abort(); err != nil {
			return err
		}
		if _, err := u.cfg.Partitions.Mutate(func(s *partition.State) error {
			if st.Snapshot != nil {
				s.Restore(*st.Snapshot)
				return nil
			}
			s.ClearInactive()
			return nil
		}); err != nil {
			return err
		}
		log.Infof("Cancelled update to %s", st.StagedVersion)
		st.clearStaging()
		return nil
	})
}

// Rollback makes the inactive set, normally the previous version, boot next.
func (u *Updater) Rollback(ctx context.Context, reboot bool) error {
	err := u.run("rollback", func(st *State) error {
		if st.Status != StatusIdle {
			return fmt.Errorf("%w: status is %s", types.ErrUpdateInProgress, st.Status)
		}
		ps, err := u.cfg.Partitions.Mutate(func(s *partition.State) error {
			return s.RollbackToInactive()
		})
		if err != nil {
			return err
		}
		target := ps.Inactive()
		st.Status = StatusAwaitingReboot
		st.StagedSet = &target
		st.StagedVersion = st.PreviousVersion
		st.StagedFrom = u.cfg.Release.Version
		log.Infof("Rolled back to partition set %s", target)
		return nil
	})
	if err != nil || !reboot {
		return err
	}
	return u.cfg.Reboot(ctx)
}

// MarkBootSuccess marks the booted set successful and settles the update state: an activated
// update that booted becomes the current version, one that did not is recorded as rolled back.
func (u *Updater) MarkBootSuccess(ctx context.Context) error {
	return u.run("mark-boot-success", func(st *State) error {
		ps, err := u.cfg.Partitions.Mutate(func(s *partition.State) error {
			s.MarkSuccessfulBoot()
			return nil
		})
		if err != nil {
			return err
		}
		u.cfg.Metrics.BootConfirmed.Set(1)

		if st.Status != StatusAwaitingReboot {
			return nil
		}
		booted := ps.Booted()
		if st.StagedSet != nil && *st.StagedSet == booted {
			log.Infof("Booted %s from partition set %s", u.cfg.Release.Version, booted)
			if st.StagedFrom != nil && !st.StagedFrom.Equal(u.cfg.Release.Version) {
				st.PreviousVersion = st.StagedFrom
			}
		} else {
			log.Warnf("Staged set did not boot, running %s from partition set %s", u.cfg.Release.Version, booted)
		}
		st.clearStaging()
		st.ChosenUpdate = nil
		return nil
	})
}
