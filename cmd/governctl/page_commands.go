package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"content-governance/internal/app"
	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	var p models.ValidationPayload
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run preflight for a page or proposal; a passing page gets an approved job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if p.PageID != "" && !p.IsProposal {
					if page, err := a.Store.GetPage(c, p.PageID); err == nil {
						fillFromPage(&p, page)
					}
				}
				sub, err := a.Engine.Submit(c, p)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, sub)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Passed: %s  Resulting state: %s\n", yesNo(sub.Validation.Passed), sub.Validation.ResultingState)
				if sub.Job != nil {
					fmt.Fprintf(out, "Job: %s (%s)\n", sub.Job.ID, sub.Job.State)
				}
				if findings := findingRows(sub.Validation); len(findings) > 0 {
					fmt.Fprintln(out, renderTable([]string{"Kind", "Code", "Severity", "Message"}, findings, nil))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&p.PageID, "page", "", "Page id (omit for a proposal)")
	cmd.Flags().StringVar(&p.SiteID, "site", "", "Site id")
	cmd.Flags().StringVar(&p.Title, "title", "", "Page title")
	cmd.Flags().StringVar(&p.Path, "path", "", "URL path")
	cmd.Flags().StringVar(&p.SiloID, "silo", "", "Silo id")
	cmd.Flags().StringVar(&p.Keyword, "keyword", "", "Primary keyword")
	cmd.Flags().StringVar(&p.Location, "location", "", "Target location")
	cmd.Flags().BoolVar(&p.IsProposal, "proposal", false, "Validate a proposal without creating a job")
	return cmd
}

// fillFromPage completes unset payload fields from the stored page.
func fillFromPage(p *models.ValidationPayload, page models.ContentPage) {
	if p.SiteID == "" {
		p.SiteID = page.SiteID
	}
	if p.Title == "" {
		p.Title = page.Title
	}
	if p.Path == "" {
		p.Path = page.Path
	}
	if p.SiloID == "" {
		p.SiloID = page.SiloID
	}
	if p.Keyword == "" {
		p.Keyword = page.Keyword
	}
	if p.Location == "" {
		p.Location = page.Location
	}
	if len(p.Embedding) == 0 {
		p.Embedding = page.Embedding
	}
}

func findingRows(res models.ValidationResult) [][]string {
	rows := make([][]string, 0, len(res.Errors)+len(res.Warnings))
	add := func(kind string, list []errcodes.ErrorCode) {
		for _, ec := range list {
			rows = append(rows, []string{kind, string(ec.Code), string(ec.Severity), ec.Message})
		}
	}
	add("error", res.Errors)
	add("warning", res.Warnings)
	return rows
}

func newPublishCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "publish-check <page-id>",
		Short: "Run the publish gates and publish or block the page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				res, err := a.Engine.Publish(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, res)
				}
				rows := make([][]string, 0, len(res.Results))
				for _, nr := range res.Results {
					rows = append(rows, []string{nr.Gate, yesNo(nr.Result.Passed), dash(string(nr.Result.Code)), nr.Result.Reason})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTable([]string{"Gate", "Passed", "Code", "Reason"}, rows, nil))
				if res.AllGatesPassed {
					fmt.Fprintf(out, "Page %s published\n", args[0])
				} else {
					fmt.Fprintf(out, "Page %s not published: %s\n", args[0], strings.Join(res.FailedGates, ", "))
				}
				return nil
			})
		},
	}
}

func newDecommissionCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decommission <page-id>",
		Short: "Retire a published page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if err := a.Engine.Decommission(c, args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Page %s decommissioned\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "retired by operator", "Reason recorded on the decommission stage")
	return cmd
}
