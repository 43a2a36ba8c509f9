package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"content-governance/internal/app"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if err := a.Migrate(c); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
				return nil
			})
		},
	}
}

func newSeedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load a site with its silos and pages from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := app.LoadFixture(args[0])
			if err != nil {
				return err
			}
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if err := a.Seed(c, f, time.Now().UTC()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded site %s: %d silos, %d pages\n", f.Site.ID, len(f.Silos), len(f.Pages))
				return nil
			})
		},
	}
}

func newDLQCommand(ctx *commandContext) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered job ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				ids, err := a.Queue.DLQPeek(c, limit)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					if ids == nil {
						ids = []string{}
					}
					return writeJSON(cmd, map[string]any{"items": ids})
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty")
					return nil
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "Maximum ids to show")
	return cmd
}
