package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/redeyes-project/redeye/internal/tools"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Show which known tools are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry := tools.NewRegistry(cfg.Tools.Extra, logrus.NewEntry(logrus.StandardLogger()))
		registry.Refresh()

		installed := registry.Available()
		out := cmd.OutOrStdout()
		found := 0
		for _, name := range registry.Known() {
			mark := " "
			if installed[name] {
				mark = "x"
				found++
			}
			fmt.Fprintf(out, "[%s] %s\n", mark, name)
		}
		fmt.Fprintf(out, "\n%d of %d known tools installed\n", found, len(registry.Known()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
