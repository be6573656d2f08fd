package daemon

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/wow-sync/internal/app"
	"github.com/tphakala/wow-sync/internal/conf"
)

// Command creates the daemon command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync continuously and serve the local status API",
		Long: "Run the upload queue every sync interval and whenever POST /api/v1/sync is called, " +
			"and serve status, records and metrics over HTTP until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				return a.RunDaemon(cmd.Context())
			})
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}
	return cmd
}

// setupFlags configures flags specific to the daemon command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().String("listen", "", "Listen address of the local API")
	cmd.Flags().Bool("no-server", false, "Do not serve the local API")
	cmd.Flags().Duration("interval", 0, "Time between periodic queue passes")

	if err := viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("sync.interval", cmd.Flags().Lookup("interval")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if noServer, _ := cmd.Flags().GetBool("no-server"); noServer {
			settings.Server.Enabled = false
		}
	}
	return nil
}
