package sync

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/wow-sync/internal/app"
	"github.com/tphakala/wow-sync/internal/conf"
)

// Command creates the sync command, a single foreground pass
func Command(settings *conf.Settings) *cobra.Command {
	var noPull bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload queued observations once",
		Long:  "Compress pending photos, upload every queued observation and, when enabled, reconcile with the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noPull {
				settings.Features.Pull = false
			}
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				if err := a.Recover(cmd.Context()); err != nil {
					return err
				}
				report, err := a.SyncOnce(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				q := report.Queue
				switch {
				case q.Offline:
					fmt.Fprintln(out, "Offline, nothing uploaded")
				case q.AlreadyRunning:
					fmt.Fprintln(out, "Another pass is running")
				default:
					fmt.Fprintf(out, "Photos: %d compressed, %d uploaded as captured\n", report.Local.Compressed, report.Local.Fallbacks)
					fmt.Fprintf(out, "Records: %d synced, %d failed (%d will retry), %d skipped, %d actions in %s\n",
						q.Succeeded, q.Failed, q.Retried, q.Skipped, q.Actions, q.Duration.Round(time.Millisecond))
				}
				if report.Pulled {
					p := report.Pull
					fmt.Fprintf(out, "Pull: %d fetched, %d linked, %d updated, %d inserted, %d pruned\n",
						p.Fetched, p.Linked, p.Updated, p.Inserted, p.Pruned)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&noPull, "no-pull", false, "Skip reconciling with the server")
	return cmd
}

// PullCommand creates the pull command
func PullCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Reconcile the local store with your observations on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				p, err := a.Pull(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Fetched %d (%d duplicates), linked %d, updated %d, inserted %d, pruned %d, skipped %d\n",
					p.Fetched, p.Duplicates, p.Linked, p.Updated, p.Inserted, p.Pruned, p.Skipped)
				return nil
			})
		},
	}
}
