package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/flipset/flipset/pkg/bootmon"
	"github.com/flipset/flipset/pkg/config"
	"github.com/flipset/flipset/pkg/datastore"
	"github.com/flipset/flipset/pkg/hostid"
	"github.com/flipset/flipset/pkg/metrics"
	"github.com/flipset/flipset/pkg/partition"
	"github.com/flipset/flipset/pkg/release"
	"github.com/flipset/flipset/pkg/repo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Open builds an Updater from the resolved settings. The repository client is only set up when
// withRepo is true.
func Open(ctx context.Context, s *config.Settings, withRepo bool) (*Updater, error) {
	rel, err := release.Load(ctx, s.OSRelease, s.Arch)
	if err != nil {
		return nil, err
	}
	if s.Variant != "" {
		rel.VariantID = s.Variant
	}
	seed, err := hostid.LoadOrCreate(s.SeedFile)
	if err != nil {
		return nil, err
	}

	pm := partition.NewManager(s.OSDisk)
	pm.Cmdline = s.Cmdline

	cfg := Config{
		StateDir:        s.StateDir,
		Release:         rel,
		Seed:            seed,
		Lock:            s.VersionLock,
		IgnoreWaves:     s.IgnoreWaves,
		TriesBudget:     s.TriesBudget,
		Partitions:      pm,
		Slots:           datastore.NewSlots(s.DatastoreDir),
		Metrics:         metrics.New(),
		MetricsTextfile: s.MetricsTextfile,
	}

	if withRepo {
		if err := s.RequireRepository(); err != nil {
			return nil, err
		}
		root, err := os.ReadFile(s.TrustedRoot)
		if err != nil {
			return nil, fmt.Errorf("reading trusted root: %w", err)
		}
		transport := repo.DefaultTransport()
		transport.HTTP.Query.Set("version", rel.Version.String())
		transport.HTTP.Query.Set("seed", strconv.FormatUint(uint64(seed), 10))
		client, err := repo.New(repo.Options{
			MetadataURL: s.MetadataURL,
			TargetsURL:  s.TargetsURL,
			TrustedRoot: root,
			CacheDir:    s.MetadataCacheDir,
			Transport:   transport,
		})
		if err != nil {
			return nil, err
		}
		cfg.Repo = client
	}
	return New(cfg)
}

// runWith resolves the settings, opens an Updater and runs fn under the configured timeout.
// Interrupt and terminate signals cancel fn.
func runWith(cmd *cobra.Command, withRepo bool, fn func(ctx context.Context, u *Updater) error) error {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	u, err := Open(ctx, s, withRepo)
	if err != nil {
		return err
	}
	return fn(ctx, u)
}

func parseImage(image string) (*semver.Version, error) {
	if image == "" {
		return nil, nil
	}
	v, err := semver.NewVersion(image)
	if err != nil {
		return nil, fmt.Errorf("invalid --image %q: %w", image, err)
	}
	return v, nil
}

// NewCommands returns the update workflow commands.
func NewCommands() []*cobra.Command {
	return []*cobra.Command{
		newCheckCmd(),
		newStageCmd(),
		newActivateCmd(),
		newApplyCmd(),
		newCancelCmd(),
		newRollbackCmd(),
		newStatusCmd(),
		newMarkBootSuccessCmd(),
		newPartitionsCmd(),
		newBootMonitorCmd(),
	}
}

func newCheckCmd() *cobra.Command {
	var all, ignoreWaves bool
	cmd := &cobra.Command{
		Use:     "check-update",
		Short:   "Refresh the repository and show the update chosen for this host",
		Example: "flipset check-update --all",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWith(cmd, true, func(ctx context.Context, u *Updater) error {
				res, err := u.Check(ctx, CheckOptions{IgnoreWaves: ignoreWaves})
				if err != nil {
					return err
				}
				printCheck(cmd.OutOrStdout(), res, all)
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&all, "all", false, "List every applicable release")
	flags.BoolVar(&ignoreWaves, "ignore-waves", false, "Offer the newest release regardless of its rollout waves")
	return cmd
}

func printCheck(out io.Writer, res *CheckResult, all bool) {
	if all {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tVARIANT\tARCH\tCHOSEN")
		for _, up := range res.Available {
			chosen := ""
			if res.Chosen != nil && up.Version.Equal(res.Chosen.Version) {
				chosen = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", up.Version, up.Variant, up.Arch, chosen)
		}
		w.Flush()
		return
	}
	switch {
	case res.Chosen != nil:
		fmt.Fprintf(out, "%s -> %s\n", res.Current, res.Chosen.Version)
	case res.EligibleAt != nil:
		fmt.Fprintf(out, "No update available yet, this host is eligible at %s\n", res.EligibleAt.Format(time.RFC3339))
	default:
		fmt.Fprintln(out, "No update available")
	}
}

func newStageCmd() *cobra.Command {
	var image string
	var ignoreWaves bool
	cmd := &cobra.Command{
		Use:     "stage",
		Short:   "Write the chosen image and migrated configuration to the inactive partition set",
		Example: "flipset stage --image 1.2.0",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			version, err := parseImage(image)
			if err != nil {
				return err
			}
			return runWith(cmd, true, func(ctx context.Context, u *Updater) error {
				return u.Stage(ctx, CheckOptions{Version: version, IgnoreWaves: ignoreWaves})
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&image, "image", "", "Stage this version instead of the chosen update")
	flags.BoolVar(&ignoreWaves, "ignore-waves", false, "Offer the newest release regardless of its rollout waves")
	return cmd
}

func newActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Boot the staged partition set next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWith(cmd, false, func(ctx context.Context, u *Updater) error {
				return u.Activate(ctx)
			})
		},
	}
}

func newApplyCmd() *cobra.Command {
	var image string
	opts := ApplyOptions{}
	cmd := &cobra.Command{
		Use:     "apply",
		Short:   "Stage and activate an update, optionally rebooting into it",
		Example: "flipset apply --reboot",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			version, err := parseImage(image)
			if err != nil {
				return err
			}
			opts.Version = version
			return runWith(cmd, true, func(ctx context.Context, u *Updater) error {
				return u.Apply(ctx, opts)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&image, "image", "", "Apply this version instead of the chosen update")
	flags.BoolVar(&opts.Reboot, "reboot", false, "Reboot once the update is activated")
	flags.BoolVar(&opts.IgnoreWaves, "ignore-waves", false, "Offer the newest release regardless of its rollout waves")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Discard a staged or activated update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWith(cmd, false, func(ctx context.Context, u *Updater) error {
				return u.Cancel(ctx)
			})
		},
	}
}

func newRollbackCmd() *cobra.Command {
	var reboot bool
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Boot the inactive partition set next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWith(cmd, false, func(ctx context.Context, u *Updater) error {
				return u.Rollback(ctx, reboot)
			})
		},
	}
	cmd.Flags().BoolVar(&reboot, "reboot", false, "Reboot once the rollback is scheduled")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the update status of this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWith(cmd, false, func(_ context.Context, u *Updater) error {
				r, err := u.Status()
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), r, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func printStatus(out io.Writer, r *Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	fmt.Fprintf(w, "Current version:\t%s\n", r.CurrentVersion)
	if r.ChosenUpdate != nil {
		fmt.Fprintf(w, "Chosen update:\t%s\n", r.ChosenUpdate.Version)
	}
	if r.StagedVersion != nil {
		fmt.Fprintf(w, "Staged version:\t%s\n", r.StagedVersion)
	}
	if r.PreviousVersion != nil {
		fmt.Fprintf(w, "Previous version:\t%s\n", r.PreviousVersion)
	}
	if r.LastCheck != nil {
		fmt.Fprintf(w, "Last check:\t%s\n", r.LastCheck.Format(time.RFC3339))
	}
	if c := r.LastCommand; c != nil {
		fmt.Fprintf(w, "Last command:\t%s (%s)\n", c.Name, c.Result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return printPartitions(out, r.Partitions)
}

func printPartitions(out io.Writer, sets []SetInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SET\tPRIORITY\tTRIES LEFT\tSUCCESSFUL\tBOOTED\tNEXT")
	for _, s := range sets {
		fmt.Fprintf(w, "%s\t%d\t%d\t%t\t%t\t%t\n", s.ID, s.Priority, s.TriesLeft, s.Successful, s.Booted, s.Next)
	}
	return w.Flush()
}

func newMarkBootSuccessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-boot-success",
		Short: "Mark the booted partition set successful",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWith(cmd, false, func(ctx context.Context, u *Updater) error {
				return u.MarkBootSuccess(ctx)
			})
		},
	}
}

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Show the boot flags of both partition sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWith(cmd, false, func(_ context.Context, u *Updater) error {
				sets, err := u.Partitions()
				if err != nil {
					return err
				}
				return printPartitions(cmd.OutOrStdout(), sets)
			})
		},
	}
}

func newBootMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot-monitor",
		Short: "Wait for the health units and confirm the boot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			u, err := Open(ctx, s, false)
			if err != nil {
				return err
			}
			m := &bootmon.Monitor{
				Checker: bootmon.Units(s.HealthUnits),
				Confirm: u.MarkBootSuccess,
				Timeout: s.HealthTimeout,
				Marker:  s.BootMarker,
			}
			return m.Run(ctx)
		},
	}
}
