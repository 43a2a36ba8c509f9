package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "governctl",
		Short:         "Operate the content governance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonFlag, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newReserveCommand(ctx))
	rootCmd.AddCommand(newReleaseCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newValidateCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newPublishCheckCommand(ctx))
	rootCmd.AddCommand(newDecommissionCommand(ctx))
	rootCmd.AddCommand(newDLQCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newSeedCommand(ctx))
	return rootCmd
}
