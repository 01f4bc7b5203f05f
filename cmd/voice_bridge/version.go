package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// задаются при сборке через -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Показать версию",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voice_bridge %s (%s) %s %s/%s\n",
			version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
