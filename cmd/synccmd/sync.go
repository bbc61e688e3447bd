// Package synccmd provides the sync command.
package synccmd

import (
	"context"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/mqtt"
	"github.com/tphakala/birdnet-sync/internal/observability"
	"github.com/tphakala/birdnet-sync/internal/status"
	"github.com/tphakala/birdnet-sync/internal/syncer"
)

type flags struct {
	stations   []string
	all        bool
	dryRun     bool
	fullResync bool
	window     int
	maxBatches int

	windowSet     bool
	maxBatchesSet bool
}

// apply overrides the configured run options with command line flags.
func (f *flags) apply(o syncer.Options) syncer.Options {
	o.DryRun = f.dryRun
	o.FullResync = f.fullResync
	if f.windowSet {
		o.RevalidationDays = f.window
	}
	if f.maxBatchesSet {
		o.MaxBatches = f.maxBatches
	}
	return o
}

// Command creates and returns the sync command.
func Command(settings *conf.Settings) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy new, corrected and deleted detections to the central store",
		Long: `Sync reads each station's BirdNET-Go database read-only, copies rows added
since the last run, re-checks a trailing window of days for corrections and
deletions, and publishes the outcome over MQTT.

Exit codes: 0 success, 1 some rows quarantined, 2 a run failed, 3 another run
holds a station lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := selectStations(settings, &f)
			if err != nil {
				return err
			}

			f.windowSet = cmd.Flags().Changed("window")
			f.maxBatchesSet = cmd.Flags().Changed("max-batches")
			return run(cmd, settings, names, &f)
		},
	}

	setupFlags(cmd, &f)

	return cmd
}

// setupFlags configures flags specific to the sync command.
func setupFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringSliceVarP(&f.stations, "station", "s", nil, "Station to sync, may be repeated")
	cmd.Flags().BoolVarP(&f.all, "all", "a", false, "Sync every configured station")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Report what would change without writing anything")
	cmd.Flags().BoolVar(&f.fullResync, "full-resync", false, "Reset the cursor and compare the whole edge store")
	cmd.Flags().IntVar(&f.window, "window", 0, "Days re-checked for corrections and deletions, 0 disables (default sync.revalidationdays)")
	cmd.Flags().IntVar(&f.maxBatches, "max-batches", 0, "Stop after this many batches, 0 drains the edge store (default sync.maxbatches)")
	cmd.MarkFlagsMutuallyExclusive("station", "all")
}

func selectStations(settings *conf.Settings, f *flags) ([]string, error) {
	switch {
	case f.all:
		return settings.StationNames(), nil
	case len(f.stations) > 0:
		// A repeated station would race itself for its own lock
		names := slices.Clone(f.stations)
		slices.Sort(names)
		return slices.Compact(names), nil
	default:
		return nil, errors.Newf("specify --station or --all").
			Component("sync").
			Category(errors.CategoryValidation).
			Build()
	}
}

func run(cmd *cobra.Command, settings *conf.Settings, names []string, o *flags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	central := logger.Global()
	log := central.Module("sync")

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	db, centralErr := datastore.OpenCentral(ctx, &settings.Central, central.Module("datastore"))
	if centralErr != nil {
		log.Error("central store unavailable", logger.Error(centralErr))
	} else {
		defer func() {
			if err := datastore.Close(db); err != nil {
				log.Warn("failed to close central store", logger.Error(err))
			}
		}()
	}

	var sink status.Sink
	if settings.MQTT.Enabled && !o.dryRun {
		publisher := newPublisher(settings, m, central)
		defer publisher.Close()
		sink = publisher
	}

	runner := syncer.NewRunner(settings, syncer.RunnerDeps{
		Central:    db,
		CentralErr: centralErr,
		Status:     sink,
		Metrics:    m.Sync,
		Log:        log,
		Quarantine: central.Module(logger.QuarantineModule),
	})
	outcomes := runner.RunAll(ctx, names, o.apply(runner.Options()))

	if o.dryRun {
		if err := renderDryRun(cmd.OutOrStdout(), outcomes); err != nil {
			return err
		}
	} else {
		writeTextfiles(settings.Metrics.Textfile, m, outcomes, log)
	}

	if code := syncer.WorstExitCode(outcomes); code != syncer.ExitSuccess {
		return &syncer.ExitError{Code: code}
	}
	return nil
}

// writeTextfiles writes one metrics textfile per station. A station whose
// lock was busy is skipped: the run holding the lock writes that file.
func writeTextfiles(path string, m *observability.Metrics, outcomes []*syncer.Outcome, log logger.Logger) {
	if path == "" {
		return
	}
	for _, o := range outcomes {
		if o.ExitCode() == syncer.ExitLockBusy {
			continue
		}
		if err := m.WriteStationTextfile(path, o.Station); err != nil {
			log.Warn("failed to write metrics textfile",
				logger.String("station", o.Station),
				logger.String("path", observability.StationTextfile(path, o.Station)),
				logger.Error(err))
		}
	}
}

// newPublisher returns the MQTT status publisher. The client id carries the
// pid so overlapping runs from cron do not kick each other off the broker.
func newPublisher(settings *conf.Settings, m *observability.Metrics, central *logger.CentralLogger) *status.Publisher {
	client := mqtt.NewClient(
		mqtt.ConfigFromSettings(&settings.MQTT, strconv.Itoa(os.Getpid())),
		m.MQTT,
		central.Module("mqtt"),
	)
	return status.NewPublisher(client, status.Options{
		TopicPrefix: settings.MQTT.TopicPrefix,
		Timeout:     settings.MQTT.PublishTimeout,
	}, m.MQTT, central.Module("status"))
}
