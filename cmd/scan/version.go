package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/spf13/cobra"
)

var (
	versionOnce   sync.Once
	cachedVersion string
)

// appVersion returns the best-effort version of the scan binary:
// SCAN_VERSION, then Go build information, then "development".
func appVersion() string {
	versionOnce.Do(func() {
		cachedVersion = detectVersion(os.LookupEnv, debug.ReadBuildInfo)
	})
	return cachedVersion
}

func detectVersion(lookup func(string) (string, bool), buildInfo func() (*debug.BuildInfo, bool)) string {
	if v, ok := lookup("SCAN_VERSION"); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}

	if info, ok := buildInfo(); ok && info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return fmt.Sprintf("dev-%s", setting.Value)
			}
		}
	}
	return "development"
}

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scan version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(c.out, appVersion())
		},
	}
}
