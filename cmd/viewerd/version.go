package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docrobotics/viewerd/server"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of viewerd",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("viewerd version %s\n", server.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
