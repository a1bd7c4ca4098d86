package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/agentic-research/layercache/internal/vfs"
	"github.com/agentic-research/layercache/internal/watch"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

// startWatcher runs a watcher for the session's layers until ctx ends.
func startWatcher(ctx context.Context, s *session) (*watch.Watcher, error) {
	w, err := watch.New(s.engine, s.docs, s.cfg.Debounce())
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, watch.ErrClosed) {
			glog.Errorf("watch: %v", err)
		}
	}()
	return w, nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild on layer changes and print the resulting events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := newSession()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		rep, err := s.load(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "generation %d: %d nodes\n", rep.Generation, s.FS().Tree().Len())
		s.FS().AddListener(func(ev vfs.Event) {
			fmt.Fprintf(out, "%d %s\n", ev.Generation, ev.Change)
		})

		w, err := watch.New(s.engine, s.docs, s.cfg.Debounce())
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
		glog.Infof("watching %d layer documents", w.Files())

		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
