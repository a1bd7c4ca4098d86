package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/winfsp/cgofuse/fuse"

	layerfs "github.com/agentic-research/layercache/internal/fs"
	"github.com/agentic-research/layercache/internal/nfsmount"
	"github.com/agentic-research/layercache/internal/vfs"
)

var (
	mountFUSE    bool
	mountAddr    string
	mountWatch   bool
	mountNoMount bool
)

func init() {
	mountCmd.Flags().BoolVar(&mountFUSE, "fuse", false, "Mount through FUSE instead of a local NFS server")
	mountCmd.Flags().StringVar(&mountAddr, "addr", "", "NFS listen address (default: ephemeral localhost port)")
	mountCmd.Flags().BoolVarP(&mountWatch, "watch", "w", false, "Rebuild when layer documents change")
	mountCmd.Flags().BoolVar(&mountNoMount, "no-mount", false, "Serve NFS without calling the system mount command")
	rootCmd.AddCommand(mountCmd)
}

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Expose the merged tree as a read-only filesystem",
	Long: `Expose the merged tree as a read-only filesystem.

Without a mountpoint a directory under $TMPDIR/layercache is created and
recorded, so 'layercache mounts' can list it.`,
	Args: cobra.MaximumNArgs(1),
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
		glog.Infof("loaded generation %d (cache: %v %s)", rep.Generation, rep.FromCache, rep.CacheMiss)
		s.follow(ctx)

		mountPoint, err := resolveMountPoint(args)
		if err != nil {
			return err
		}

		if mountWatch {
			w, err := startWatcher(ctx, s)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()
		}

		meta := &MountMetadata{
			PID:        os.Getpid(),
			Config:     configPath,
			MountPoint: mountPoint,
			Backend:    "nfs",
			Timestamp:  time.Now(),
		}
		if mountFUSE {
			meta.Backend = "fuse"
		}
		if err := saveMountMetadata(mountPoint, meta); err != nil {
			glog.Warningf("mount metadata: %v", err)
		}
		defer func() { _ = os.Remove(sidecarPath(mountPoint)) }()

		if mountFUSE {
			return mountWithFUSE(ctx, s.FS(), mountPoint)
		}
		return mountWithNFS(ctx, cmd, s.FS(), mountPoint)
	},
}

func resolveMountPoint(args []string) (string, error) {
	if len(args) == 1 {
		return filepath.Abs(args[0])
	}
	dir, err := getMountsDir()
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", err
	}
	mp := filepath.Join(dir, generateMountName(abs))
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return "", err
	}
	return mp, nil
}

func mountWithFUSE(ctx context.Context, v *vfs.FS, mountPoint string) error {
	host := fuse.NewFileSystemHost(layerfs.NewLayerFS(v))

	go func() {
		<-ctx.Done()
		host.Unmount()
	}()

	// -o uid/gid so the mount is owned by the caller (fuse-t serves it over NFS)
	opts := []string{
		"-o", "ro",
		"-o", "fsname=layercache",
		"-o", fmt.Sprintf("uid=%d", os.Getuid()),
		"-o", fmt.Sprintf("gid=%d", os.Getgid()),
	}
	glog.Infof("mounting at %s (cgofuse)", mountPoint)
	if !host.Mount(mountPoint, opts) {
		return fmt.Errorf("mount failed")
	}
	return nil
}

func mountWithNFS(ctx context.Context, cmd *cobra.Command, v *vfs.FS, mountPoint string) error {
	srv, err := nfsmount.NewServer(nfsmount.NewGraphFS(v), mountAddr)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	if mountNoMount {
		fmt.Fprintf(cmd.OutOrStdout(), "NFS server on port %d\n", srv.Port())
		<-ctx.Done()
		return nil
	}

	if err := nfsmount.Mount(srv.Port(), mountPoint); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mounted at %s (NFS port %d). Ctrl-C to unmount.\n", mountPoint, srv.Port())
	<-ctx.Done()
	return nfsmount.Unmount(mountPoint)
}
