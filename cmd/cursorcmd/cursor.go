// Package cursorcmd provides the cursor command for inspecting and resetting
// per-station sync positions.
package cursorcmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/cursor"
	"github.com/tphakala/birdnet-sync/internal/datastore"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/retry"
	"github.com/tphakala/birdnet-sync/internal/runlock"
)

// Command creates and returns the cursor command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or reset station sync cursors",
	}

	cmd.AddCommand(showCommand(settings), resetCommand(settings))
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the cursor of every configured station",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), settings, func(ctx context.Context, store *cursor.Store) error {
				cursors := make([]cursor.Cursor, 0, len(settings.Stations))
				for _, name := range settings.StationNames() {
					c, err := store.Read(ctx, name)
					if err != nil {
						return err
					}
					cursors = append(cursors, c)
				}
				return render(cmd.OutOrStdout(), cursors)
			})
		},
	}
}

func resetCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reset STATION",
		Short: "Move a station's cursor back to zero",
		Long: `Reset moves the cursor of STATION back to zero so the next sync reads the
whole edge store again. Rows already in the central store are compared, not
duplicated. The station's run lock is held while resetting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if _, ok := settings.Station(name); !ok {
				return errors.Newf("station %q is not configured", name).
					Component("cursor").
					Category(errors.CategoryConfiguration).
					Build()
			}

			lock, err := runlock.Acquire(settings.Sync.LockDir, name)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			return withStore(cmd.Context(), settings, func(ctx context.Context, store *cursor.Store) error {
				if err := store.Reset(ctx, name); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cursor of %s reset to 0\n", name)
				return err
			})
		},
	}
}

// withStore opens the central store for the duration of fn.
func withStore(ctx context.Context, settings *conf.Settings, fn func(context.Context, *cursor.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Global().Module("cursor")

	db, err := datastore.OpenCentral(ctx, &settings.Central, logger.Global().Module("datastore"))
	if err != nil {
		return err
	}
	defer func() {
		if err := datastore.Close(db); err != nil {
			log.Warn("failed to close central store", logger.Error(err))
		}
	}()

	return fn(ctx, cursor.NewStore(db, retry.FromSettings(&settings.Sync.Retry), log))
}

func render(w io.Writer, cursors []cursor.Cursor) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STATION", "CURSOR", "LAST RUN").
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			if col == 1 {
				return style.Align(lipgloss.Right)
			}
			return style
		})

	for _, c := range cursors {
		lastRun := "never"
		if c.LastRunAt != nil {
			lastRun = c.LastRunAt.Local().Format(time.DateTime)
		}
		t.Row(c.Station, strconv.FormatUint(c.LastSeq, 10), lastRun)
	}

	_, err := fmt.Fprintln(w, t.Render())
	return err
}
