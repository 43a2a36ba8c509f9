package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"content-governance/internal/app"
	"content-governance/internal/models"
	"content-governance/internal/reservation"
)

func newReserveCommand(ctx *commandContext) *cobra.Command {
	var req reservation.Request
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve a content intent for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				res, err := a.Engine.Reserve(c, req)
				if err != nil {
					if until, ok := reservation.ConflictExpiry(err); ok {
						return fmt.Errorf("%w (retry after %s)", err, until.Format(time.RFC3339))
					}
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, res)
				}
				fmt.Fprintln(cmd.OutOrStdout(), reservationTable(res))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.SiteID, "site", "", "Site id")
	cmd.Flags().StringVar(&req.Title, "title", "", "Planned page title")
	cmd.Flags().StringVar(&req.Location, "location", "", "Target location")
	cmd.Flags().IntVar(&req.TTLDays, "ttl-days", 0, "Reservation lifetime in days (default from policy)")
	cmd.Flags().DurationVar(&req.TTL, "ttl", 0, "Reservation lifetime as a duration; overrides --ttl-days")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <reservation-id>",
		Short: "Release a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if err := a.Engine.Release(c, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
				return nil
			})
		},
	}
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var site, title, location string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show the active reservation holding an intent, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				holder, err := a.Engine.CheckConflict(c, site, title, location)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, map[string]any{"conflict": holder != nil, "reservation": holder})
				}
				if holder == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No active reservation")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), reservationTable(*holder))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "Site id")
	cmd.Flags().StringVar(&title, "title", "", "Planned page title")
	cmd.Flags().StringVar(&location, "location", "", "Target location")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				n, err := a.Engine.SweepReservations(c)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, map[string]int64{"removed": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired reservations\n", n)
				return nil
			})
		},
	}
}

func reservationTable(r models.ContentReservation) string {
	fulfilled := "-"
	if r.FulfilledAt != nil {
		fulfilled = r.FulfilledAt.Format(time.RFC3339)
	}
	return renderTable(
		[]string{"ID", "Site", "Intent", "Location", "Expires", "Fulfilled"},
		[][]string{{r.ID, r.SiteID, shortHash(r.IntentHash), dash(r.Location), r.ExpiresAt.Format(time.RFC3339), fulfilled}},
		nil,
	)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
