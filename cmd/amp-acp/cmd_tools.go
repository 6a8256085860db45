package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/plyght/amp-acp/tools"
)

var toolsTimeout time.Duration

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.Flags().DurationVar(&toolsTimeout, "timeout", 15*time.Second, "how long to wait for the MCP servers to connect")
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools of every configured MCP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, closeLog, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLog()
		defer b.Shutdown(context.Background())

		ctx, cancel := context.WithTimeout(cmd.Context(), toolsTimeout)
		defer cancel()
		b.Tools().WaitReady(ctx)
		printTools(cmd.OutOrStdout(), b.Tools().Tools(ctx))
		return nil
	},
}

func printTools(w io.Writer, servers []tools.ServerTools) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "no MCP servers configured")
		return
	}
	for _, s := range servers {
		if s.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", s.Server, s.Error)
			continue
		}
		fmt.Fprintf(w, "%s (%d tools)\n", s.Server, len(s.Tools))
		for _, t := range s.Tools {
			if t.Description != "" {
				fmt.Fprintf(w, "  %s - %s\n", t.Name, t.Description)
			} else {
				fmt.Fprintf(w, "  %s\n", t.Name)
			}
		}
	}
}
