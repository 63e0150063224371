// straddlebot runs one intraday straddle trading session.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "straddlebot",
		Short: "Intraday options straddle engine",
		Long: `straddlebot samples option chains for the registered underlyings,
buys at-the-money straddles when the volatility signal fires and
liquidates them at the profit target, the holding period or the close.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(runCmd(&configPath))
	rootCmd.AddCommand(registerCmd(&configPath))
	rootCmd.AddCommand(auditCmd(&configPath))
	rootCmd.AddCommand(liquidateCmd(&configPath))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "straddlebot version %s\n", version)
		},
	})
	return rootCmd
}
