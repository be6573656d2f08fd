package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/wow-sync/cmd/daemon"
	"github.com/tphakala/wow-sync/cmd/migrate"
	"github.com/tphakala/wow-sync/cmd/observe"
	"github.com/tphakala/wow-sync/cmd/status"
	synccmd "github.com/tphakala/wow-sync/cmd/sync"
	"github.com/tphakala/wow-sync/internal/buildinfo"
	"github.com/tphakala/wow-sync/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(info *buildinfo.Context) *cobra.Command {
	// Filled by PersistentPreRunE before any sub-command runs
	settings := &conf.Settings{}
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "wowsync",
		Short:         "Offline-first observation sync",
		Long:          "Record observations offline and upload them to the observation server when a connection is available.",
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml (default: search ., ~/.config/wowsync, /etc/wowsync)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().String("store", "", "Record store database path")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Flags take precedence over file and environment
		if err := viper.BindPFlag("debug", cmd.Flags().Lookup("debug")); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
		if cmd.Flags().Changed("store") {
			if err := viper.BindPFlag("store.path", cmd.Flags().Lookup("store")); err != nil {
				return fmt.Errorf("error binding flags: %w", err)
			}
		}

		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded
		settings.Build = info
		return nil
	}

	rootCmd.AddCommand(observe.Commands(settings)...)
	rootCmd.AddCommand(
		status.Command(settings),
		synccmd.Command(settings),
		synccmd.PullCommand(settings),
		daemon.Command(settings),
		migrate.Command(settings),
	)

	return rootCmd
}
