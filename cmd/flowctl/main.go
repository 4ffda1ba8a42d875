// flowctl validates approval flow definitions and drives them end to end.
//
// Usage:
//
//	flowctl [--config FILE] [--json] <command> [flags]
//
// Commands:
//
//	validate  Check a YAML flow definition
//	run       Start an instance and approve it until it finishes
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	var configPath string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "flowctl",
		Short:         "flowctl drives approval flow definitions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	configFn := func() string { return configPath }
	outputFn := func() *Output { return NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		NewValidateCmd(configFn, outputFn),
		NewRunCmd(configFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
