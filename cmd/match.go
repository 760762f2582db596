package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/ameodesign/vhost-router/pkg/config"
	"github.com/ameodesign/vhost-router/pkg/router"
	"github.com/ameodesign/vhost-router/pkg/rules"
)

func newMatchCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "match HOST PATH",
		Short: "Show which rule a request would hit",
		Long: heredoc.Doc(`
			Show which virtual host and rule a request would hit, and the target
			it would be proxied or redirected to. Nothing is contacted.
		`),
		Example: heredoc.Doc(`
			$ vhost-router match foo.ameo.design /v/2/app.js
			$ vhost-router match --config /etc/vhost-router/config.yaml bar.p.ameo.design /x
		`),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(configPath, args[0], args[1], cmd.OutOrStdout())
		},
	}
	addConfigFlag(cmd.Flags(), &configPath)
	return cmd
}

func runMatch(configPath, host, path string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rt, err := router.New(cfg, nil, quietLogger(), nil)
	if err != nil {
		return err
	}

	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i+1:]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	vh, m, ok := rt.Resolve(host, path)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "virtual host:\t%s\n", vh.Name)
	if !ok {
		fmt.Fprintf(tw, "rule:\t(none)\n")
		if root := vh.Static.Root(); root != "" {
			fmt.Fprintf(tw, "static:\t%s\n", root)
		} else {
			fmt.Fprintf(tw, "static:\t(no document root, 404)\n")
		}
		return nil
	}

	target := m.Target()
	if query != "" && !strings.Contains(target, "?") {
		target += "?" + query
	}
	fmt.Fprintf(tw, "rule:\t%s\n", m.Rule.Name)
	action := m.Rule.Action.String()
	if m.Rule.Action == rules.Redirect {
		action = fmt.Sprintf("%s %d", action, m.Rule.Status)
	}
	fmt.Fprintf(tw, "action:\t%s\n", action)
	fmt.Fprintf(tw, "target:\t%s\n", target)
	return nil
}
