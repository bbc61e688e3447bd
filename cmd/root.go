// Package cmd assembles the birdnet-sync command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-sync/cmd/configcmd"
	"github.com/tphakala/birdnet-sync/cmd/cursorcmd"
	"github.com/tphakala/birdnet-sync/cmd/synccmd"
	"github.com/tphakala/birdnet-sync/internal/buildinfo"
	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
	"github.com/tphakala/birdnet-sync/internal/syncer"
	"github.com/tphakala/birdnet-sync/internal/telemetry"
)

// RootCommand creates and returns the root command. settings is filled in
// before any subcommand runs.
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "birdnet-sync",
		Short:         "Sync BirdNET-Go station detections into a central store",
		Version:       build.Version(),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.SetVersionTemplate(build.String() + "\n")

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the config file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	if err := v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("error binding debug flag: %v", err))
	}

	rootCmd.AddCommand(
		synccmd.Command(settings),
		cursorcmd.Command(settings),
		configcmd.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initialize(settings, v, configFile, build)
	}

	return rootCmd
}

// initialize loads the configuration and sets up logging and error
// reporting before a subcommand runs.
func initialize(settings *conf.Settings, v *viper.Viper, configFile string, build *buildinfo.Context) error {
	loaded, err := conf.Load(v, configFile)
	if err != nil {
		return err
	}
	loaded.Version = build.Version()
	if loaded.Debug {
		loaded.Logging.DefaultLevel = "debug"
		if loaded.Logging.Console != nil {
			loaded.Logging.Console.Level = "debug"
		}
	}
	*settings = *loaded

	cl, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return errors.New(fmt.Errorf("failed to set up logging: %w", err)).
			Component("main").
			Category(errors.CategoryConfiguration).
			Build()
	}
	logger.SetGlobal(cl)

	log := cl.Module("main")
	log.Debug("configuration loaded",
		logger.String("config_file", settings.ConfigFile),
		logger.String("version", settings.Version),
		logger.Int("stations", len(settings.Stations)))

	return telemetry.InitSentry(settings, cl.Module("telemetry"))
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, build *buildinfo.Context) int {
	settings := &conf.Settings{}
	err := RootCommand(settings, build).ExecuteContext(ctx)

	var exit *syncer.ExitError
	if err != nil && !errors.As(err, &exit) {
		logger.Global().Module("main").Error("command failed", logger.Error(err))
	}

	telemetry.Flush()
	if closeErr := logger.Global().Close(); closeErr != nil {
		fmt.Printf("failed to close log files: %v\n", closeErr)
	}
	return syncer.ExitCodeOf(err)
}
