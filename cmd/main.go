package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Marketen/verifier-node/internal/logger"
)

var flagLogLevel string

var rootCmd = &cobra.Command{
	Use:   "verifier-node",
	Short: "Stake-weighted compliance verifier",
	PersistentPreRun: func(*cobra.Command, []string) {
		if flagLogLevel != "" {
			logger.SetLevel(logger.ParseLevel(flagLogLevel))
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides LOG_LEVEL)")
	rootCmd.AddCommand(runCmd, simulateCmd, verifyTicketCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}
