package main

import (
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func addConfigFlag(fs *pflag.FlagSet, path *string) {
	fs.StringVarP(path, "config", "c", defaultConfigPath, "path to the YAML configuration file")
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "vhost-router",
		Short: "TLS-terminating reverse proxy with regex routing rules",
		Long: heredoc.Doc(`
			vhost-router terminates TLS for a set of name-based virtual hosts and
			routes every request through the virtual host's ordered rules. A rule
			matches the Host header and path with regular expressions and either
			proxies to, or redirects to, a target built from the captured groups
			(%N for host groups, $N for path groups). Requests no rule claims are
			served from the virtual host's document root.

			Running without a subcommand is the same as 'vhost-router serve'.
		`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	addConfigFlag(root.Flags(), &configPath)

	root.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newMatchCommand(),
	)
	return root
}
