package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	profile   string
	assumeYes bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "redeye",
	Short: "Supervised penetration testing agent",
	Long: `redeye plans security testing commands with a local language model and
executes them under operator supervision. Every proposed command passes
an execution guard and a risk gate before it runs; every attempt is
recorded in the session log.

Commands only run inside the configured scope, and nothing rated above
low risk runs without an explicit yes.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the default config layer")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "named config profile to overlay")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "assume-yes", "y", false, "auto-approve confirmations (dangerous)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
