package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"content-governance/internal/app"
	"content-governance/internal/errcodes"
	"content-governance/internal/models"
	"content-governance/internal/queue"
	"content-governance/internal/statemachine"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and steer generation jobs",
	}
	cmd.AddCommand(newJobsListCommand(ctx))
	cmd.AddCommand(newJobsShowCommand(ctx))
	cmd.AddCommand(newJobsTransitionCommand(ctx))
	cmd.AddCommand(newJobsDriveCommand(ctx))
	return cmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.JobState(state)
			if state != "" && !filter.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				jobs, err := a.Store.ListJobs(c, filter)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{
						j.ID, j.PageID, string(j.State),
						fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
						fmt.Sprintf("%.4f/%.2f", j.TotalCostUSD, j.MaxCostUSD),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Job", "Page", "State", "Retries", "Cost USD"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only jobs in this state")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				job, err := a.Engine.Job(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, job)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job %s (page %s, site %s)\n", job.ID, job.PageID, job.SiteID)
				fmt.Fprintf(out, "State: %s  Locked: %s  Terminal: %s\n",
					job.State, yesNo(statemachine.IsLocked(job.State)), yesNo(statemachine.IsTerminal(job.State)))
				fmt.Fprintf(out, "Retries: %d/%d  Cost: %.6f/%.2f USD\n", job.RetryCount, job.MaxRetries, job.TotalCostUSD, job.MaxCostUSD)
				if job.ErrorCode != "" {
					fmt.Fprintf(out, "Error: %s %s\n", job.ErrorCode, job.ErrorMessage)
				}
				fmt.Fprintln(out, historyTable(job.History))
				return nil
			})
		},
	}
}

func newJobsTransitionCommand(ctx *commandContext) *cobra.Command {
	var reason, code string
	cmd := &cobra.Command{
		Use:   "transition <job-id> <target-state>",
		Short: "Request a state transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				resp, err := a.Engine.Transition(c, args[0], models.StateTransitionRequest{
					TargetState: models.JobState(args[1]),
					Reason:      reason,
					ErrorCode:   errcodes.Code(code),
				})
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					if err := writeJSON(cmd, resp); err != nil {
						return err
					}
				}
				if !resp.Success {
					return rejected(resp)
				}
				if resp.CurrentState == models.StateFailed {
					if err := a.Queue.Cancel(c, args[0]); err != nil {
						return fmt.Errorf("withdraw failed job from queue: %w", err)
					}
				}
				if ctx.jsonFlag {
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", *resp.PreviousState, resp.CurrentState)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual transition", "Reason recorded in history")
	cmd.Flags().StringVar(&code, "error-code", "", "Error code recorded on FAILED or POSTCHECK_FAILED")
	return cmd
}

func newJobsDriveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "drive <job-id>",
		Short: "Run a job's attempts in this process until it completes or exhausts its budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				out, err := a.Engine.Drive(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, out)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s finished in %s after %d attempt(s), cost %.6f USD\n",
					out.Job.ID, out.Job.State, out.Attempts, out.Job.TotalCostUSD)
				return nil
			})
		},
	}
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var priority string
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "enqueue <job-id>",
		Short: "Queue a job for the workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				job, err := a.Engine.Job(c, args[0])
				if err != nil {
					return err
				}
				if statemachine.IsLocked(job.State) {
					return errcodes.Newf(errcodes.StateLocked, "job %s is %s", job.ID, job.State)
				}
				err = a.Queue.Enqueue(c, job.ID, priority, time.Now().Add(delay))
				if errors.Is(err, queue.ErrAlreadyQueued) {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s is already queued\n", job.ID)
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s (%s)\n", job.ID, priority)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "default", "Queue priority")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the job becomes ready")
	return cmd
}

func rejected(resp models.StateTransitionResponse) error {
	allowed := make([]string, 0, len(resp.AllowedTransitions))
	for _, s := range resp.AllowedTransitions {
		allowed = append(allowed, string(s))
	}
	msg := "transition rejected"
	if resp.Error != nil {
		msg = fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return fmt.Errorf("%s (current %s, allowed %s)", msg, resp.CurrentState, strings.Join(allowed, ", "))
}

func historyTable(history []models.TransitionRecord) string {
	rows := make([][]string, 0, len(history))
	for i, rec := range history {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			string(rec.From),
			string(rec.To),
			rec.At.Format(time.RFC3339),
			rec.Reason,
			dash(string(rec.ErrorCode)),
		})
	}
	return renderTable([]string{"#", "From", "To", "At", "Reason", "Error"}, rows,
		[]columnAlignment{alignRight})
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
