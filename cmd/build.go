package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Parse every layer, merge them and write the binary cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		start := time.Now()
		rep, err := s.engine.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Merged %d layers into %d nodes.\n", len(s.docs), s.FS().Tree().Len())

		if len(rep.ParseErrors) > 0 {
			origins := make([]string, 0, len(rep.ParseErrors))
			for o := range rep.ParseErrors {
				origins = append(origins, o)
			}
			sort.Strings(origins)
			for _, o := range origins {
				fmt.Fprintf(out, "  skipped %s: %v\n", o, rep.ParseErrors[o])
			}
		}

		if s.writer == nil {
			fmt.Fprintln(out, "No cache configured; nothing written.")
			return nil
		}
		if err := s.writer.FlushNow(); err != nil {
			return fmt.Errorf("write cache: %w", err)
		}
		fmt.Fprintf(out, "Cache written to %s in %v.\n", s.cfg.Cache.Path, time.Since(start))
		if s.ctrl != nil {
			fmt.Fprintf(out, "Control generation %d.\n", s.ctrl.Generation())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
