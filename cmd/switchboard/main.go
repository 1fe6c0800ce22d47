package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var cfgPath string
	rootCmd := &cobra.Command{
		Use:           "switchboard",
		Short:         "Request/reply messaging and multi-channel notification dispatch",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")

	rootCmd.AddCommand(serveCmd(&cfgPath))
	rootCmd.AddCommand(callCmd(&cfgPath))
	rootCmd.AddCommand(notifyCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
