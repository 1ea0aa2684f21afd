// Package commands implements the xoscd CLI: the pool daemon, worker
// mode, and pool management verbs.
package commands

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the daemon CLI.
var rootCmd = &cobra.Command{
	Use:   "xoscd",
	Short: "xosc distributed actor pool daemon",
	Long: `xoscd hosts a pool of the xosc actor runtime: one main process plus
worker sub-processes sharing an address prefix on one host. Actors are
created into the pool, addressed by uid, and reached over inproc, unix
socket or TCP channels.`,

	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
