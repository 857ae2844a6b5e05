// Command addonctl installs, updates and removes add-ons from the command line.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time.
var Version = "dev"

func main() {
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// execute runs the CLI command with the provided args and output writers.
func execute(args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, errorColor.Sprint(err))
	}
	return err
}

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "addonctl",
		Short:         "Manage add-ons of the host application",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// service logs go to stderr only on request
			if opts.verbose {
				log.SetOutput(cmd.ErrOrStderr())
			} else {
				log.SetOutput(io.Discard)
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("ADDON_CONFIG", "config.toml"), "path to the TOML config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "print service logs")

	cmd.AddCommand(
		newListCmd(opts),
		newAvailableCmd(opts),
		newStatusCmd(opts),
		newInstallCmd(opts),
		newUpdateCmd(opts),
		newUninstallCmd(opts),
		newResetCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
