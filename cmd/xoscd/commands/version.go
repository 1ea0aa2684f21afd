package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roasbeef/xosc/internal/build"
)

// versionCmd prints the daemon version and build metadata.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		commit := build.Commit
		if commit == "" {
			commit = build.CommitHash()
		}
		if commit == "" {
			commit = "dev"
		}

		fmt.Printf("xoscd version %s commit=%s go=%s\n",
			build.Version(), commit, build.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
