package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/rtc-client/internal/config"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	loader, err := config.NewLoader()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := newRootCmd(loader).Execute(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(loader *config.Loader) *cobra.Command {
	root := &cobra.Command{
		Use:   "aero-rtc-client",
		Short: "Signaling and WebRTC client for the aero chat server",
		Long: `aero-rtc-client connects to the chat server as one user, keeps the
signaling socket alive and exposes rooms and calls from the command line.

Every flag can also be set through its AERO_RTC_* environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().AddFlagSet(loader.FlagSet())

	root.AddCommand(
		listenCmd(loader),
		sendCmd(loader),
		roomsCmd(loader),
		versionCmd(),
	)
	return root
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags values win; go build info fills the gaps for go run / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
