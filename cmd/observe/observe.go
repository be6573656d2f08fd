// Package observe holds the commands that create and change observations
package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tphakala/wow-sync/internal/app"
	"github.com/tphakala/wow-sync/internal/conf"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/observation"
)

// Commands returns the observation commands
func Commands(settings *conf.Settings) []*cobra.Command {
	return []*cobra.Command{
		addCommand(settings),
		editCommand(settings),
		uuidCommand(settings, "submit", "Queue a draft observation for upload", (*observation.Service).Submit),
		deleteCommand(settings),
		uuidCommand(settings, "retry", "Requeue an observation that failed to sync", (*observation.Service).Retry),
		showCommand(settings),
	}
}

func addCommand(settings *conf.Settings) *cobra.Command {
	var (
		species string
		pairs   []string
		photos  []string
		draft   bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new observation",
		Long:  "Record a new observation with optional photos. Unless --draft is given it is queued for upload right away.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(pairs)
			if err != nil {
				return err
			}
			if species != "" {
				fields[observation.FieldSpeciesGuess] = species
			}

			in := observation.CreateInput{Fields: fields, Draft: draft}
			for _, path := range photos {
				p, err := readPhoto(path)
				if err != nil {
					return err
				}
				in.Photos = append(in.Photos, p)
			}

			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				r, err := a.Service.Create(cmd.Context(), in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), observation.String(r))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&species, "species", "s", "", "Species name, also sets taxon_id when the name is known")
	cmd.Flags().StringArrayVarP(&pairs, "field", "f", nil, "Observation field as key=value, repeatable")
	cmd.Flags().StringArrayVarP(&photos, "photo", "p", nil, "Photo file to attach, repeatable")
	cmd.Flags().BoolVar(&draft, "draft", false, "Keep the observation local until submitted")
	return cmd
}

func editCommand(settings *conf.Settings) *cobra.Command {
	var (
		pairs        []string
		addPhotos    []string
		removePhotos []string
	)

	cmd := &cobra.Command{
		Use:   "edit <uuid>",
		Short: "Change fields or photos of an observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			fields, err := parseFields(pairs)
			if err != nil {
				return err
			}
			if len(fields) == 0 && len(addPhotos) == 0 && len(removePhotos) == 0 {
				return fmt.Errorf("nothing to change, use --field, --add-photo or --remove-photo")
			}

			var photos []observation.Photo
			for _, path := range addPhotos {
				p, err := readPhoto(path)
				if err != nil {
					return err
				}
				photos = append(photos, p)
			}

			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				ctx := cmd.Context()
				var r *model.Record
				for _, key := range slices.Sorted(maps.Keys(fields)) {
					if r, err = a.Service.SetField(ctx, id, key, fields[key]); err != nil {
						return err
					}
				}
				for _, p := range photos {
					if r, err = a.Service.AttachPhoto(ctx, id, p); err != nil {
						return err
					}
				}
				for _, photoUUID := range removePhotos {
					if r, err = a.Service.RemovePhoto(ctx, id, photoUUID); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), observation.String(r))
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&pairs, "field", "f", nil, "Field to set as key=value, repeatable")
	cmd.Flags().StringArrayVar(&addPhotos, "add-photo", nil, "Photo file to attach, repeatable")
	cmd.Flags().StringArrayVar(&removePhotos, "remove-photo", nil, "UUID of a photo to remove, repeatable")
	return cmd
}

type recordOp func(s *observation.Service, ctx context.Context, id string) (*model.Record, error)

func uuidCommand(settings *conf.Settings, use, short string, op recordOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <uuid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				r, err := op(a.Service, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), observation.String(r))
				return nil
			})
		},
	}
}

func deleteCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uuid>",
		Short: "Delete an observation locally and on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				r, err := a.Service.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if r == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), observation.String(r))
				return nil
			})
		},
	}
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show <uuid>",
		Short: "Print an observation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), settings, func(a *app.App) error {
				r, err := a.Service.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			})
		},
	}
}
