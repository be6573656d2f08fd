package status

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/wow-sync/internal/app"
	"github.com/tphakala/wow-sync/internal/conf"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/observation"
)

// Command creates the status command
func Command(settings *conf.Settings) *cobra.Command {
	var (
		asJSON bool
		list   []string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local queue",
		Long:  "Show record counts per sync state. With --list, print the records in the given states.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				ctx := cmd.Context()
				stats, err := a.Service.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(stats)
				}
				printStats(out, stats, a.Store.Engine(), a.Session.SignedIn())

				if len(list) == 0 {
					return nil
				}
				states := make([]model.RecordState, 0, len(list))
				for _, s := range list {
					states = append(states, model.RecordState(s))
				}
				records, err := a.Service.List(ctx, states...)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				for _, r := range records {
					fmt.Fprintln(out, observation.String(r))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the counts as JSON")
	cmd.Flags().StringSliceVar(&list, "list", nil, "List records in these states, e.g. --list Error,PendingSync")
	return cmd
}

func printStats(w io.Writer, stats observation.Stats, engine string, signedIn bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Store\t%s\n", engine)
	fmt.Fprintf(tw, "Signed in\t%t\n", signedIn)
	fmt.Fprintf(tw, "Records\t%d\n", stats.Total)
	for _, state := range model.AllStates {
		fmt.Fprintf(tw, "  %s\t%d\n", state, stats.ByState[state])
	}
	fmt.Fprintf(tw, "Pending actions\t%d\n", stats.PendingActions)
	fmt.Fprintf(tw, "Pending photos\t%d\n", stats.PendingPhotos)
	if stats.Locked > 0 {
		fmt.Fprintf(tw, "Locked (run migrate)\t%d\n", stats.Locked)
	}
	if !stats.NextAttemptAt.IsZero() {
		fmt.Fprintf(tw, "Next retry\t%s\n", stats.NextAttemptAt.Local().Format(time.DateTime))
	}
	if !stats.LastSyncedAt.IsZero() {
		fmt.Fprintf(tw, "Last synced\t%s\n", stats.LastSyncedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}
