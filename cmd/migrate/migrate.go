package migrate

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tphakala/wow-sync/internal/app"
	"github.com/tphakala/wow-sync/internal/conf"
)

// Command creates the migrate command
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade records written by older versions",
		Long: "Move records from the legacy auto-increment table into the UUID-keyed table and " +
			"upgrade older record schemas. Records that cannot be migrated stay locked.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				report, err := a.Store.MigrateLegacy(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Moved %d, upgraded %d, skipped %d\n", report.Moved, report.Upgraded, report.Skipped)
				if len(report.Failed) > 0 {
					return fmt.Errorf("%d records could not be migrated: %s", len(report.Failed), strings.Join(report.Failed, ", "))
				}
				return nil
			})
		},
	}
}
