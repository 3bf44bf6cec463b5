// Command vibeprocessd is a thin, non-interactive front end over the
// instance lifecycle, resource allocator, and process discovery
// engine. It has no HTTP surface, no interactive shell, and no config
// file watching -- those are external collaborators this program does
// not implement.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var configPath, logFormat, logLevel, logFile, statePath string

	root := &cobra.Command{
		Use:   "vibeprocessd",
		Short: "per-user process supervisor and discovery engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional TOML bootstrap config file")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log output format: text|json")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "rotate the supervisor's own log to this file")
	root.PersistentFlags().StringVar(&statePath, "state", "", "override the state file path")

	env := &appEnv{}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return env.init(configPath, logFormat, logLevel, logFile, statePath)
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if env.hist != nil {
			return env.hist.Close()
		}
		return nil
	}

	root.AddCommand(
		newDaemonCmd(env),
		newStartCmd(env),
		newStopCmd(env),
		newRestartCmd(env),
		newDeleteCmd(env),
		newPSCmd(env),
		newDiscoverCmd(env),
		newDiscoverPortCmd(env),
		newInspectCmd(env),
		newTemplateCmd(env),
		newResourceTypeCmd(env),
		newActionCmd(env),
	)
	return root
}
