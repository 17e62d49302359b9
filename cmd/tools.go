package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oqwn/minichat/pkg/mcp"
)

var toolsCmd = &cobra.Command{
	Use:   "tools SERVER",
	Short: "List the tools an MCP server exposes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		invoker := mcp.NewHTTPInvoker(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.Timeout)
		defs, err := invoker.ListTools(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		perms, err := mcp.NewPermissionManagerFromConfig(cfg.Permissions)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(defs) == 0 {
			fmt.Fprintf(out, "%s exposes no tools\n", args[0])
			return nil
		}
		for _, d := range defs {
			fmt.Fprintf(out, "%s [%s]\n", d.Name, perms.Evaluate(d.Name).Action)
			if d.Description != "" {
				fmt.Fprintf(out, "    %s\n", d.Description)
			}
			if req := d.RequiredParameters(); len(req) > 0 {
				fmt.Fprintf(out, "    required: %s\n", strings.Join(req, ", "))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
