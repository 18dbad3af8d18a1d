package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "mirrord",
		Short:         "Mirror torrents, NZBs and direct links through their download daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = version

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of mirrord",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
