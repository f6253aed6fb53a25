package main

import (
	"log"
	"os"

	"chatsync/cmd/internal/app"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Visitor chat session synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if configFile == "" {
				return nil
			}
			return os.Setenv(app.ConfigFileEnv, configFile)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (env: "+app.ConfigFileEnv+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the configured visitor session and print message changes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.RunSession(cmd.OutOrStdout())
			},
		},
		newHistoryCmd(),
		&cobra.Command{
			Use:   "clear",
			Short: "Destroy the session and wipe its persisted visitor data",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return app.ClearVisitorData()
			},
		},
		&cobra.Command{
			Use:   "backend-sim",
			Short: "Serve a simulated chat service for local development",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return app.RunBackendSim()
			},
		},
	)
	return root
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent messages of the configured session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.PrintHistory(cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of messages")
	return cmd
}
