package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"otbridge.evalgo.org/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "otbridge %s (%s, %s)\n",
			version.GetBridgeVersion(), info.MainModule, info.GoVersion)
	},
}
