package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentic-research/layercache/internal/mcpserve"
)

var serveWatch bool

func init() {
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "Rebuild when layer documents change")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the merged tree as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		if _, err := s.load(cmd.Context()); err != nil {
			return err
		}
		s.follow(cmd.Context())
		if serveWatch {
			w, err := startWatcher(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()
		}
		return mcpserve.Serve(s.FS())
	},
}
