package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// MountMetadata records a running mount in a sidecar file.
type MountMetadata struct {
	PID        int       `json:"pid"`
	Config     string    `json:"config"`
	MountPoint string    `json:"mount_point"`
	Backend    string    `json:"backend"` // nfs or fuse
	Timestamp  time.Time `json:"timestamp"`
}

const sidecarSuffix = ".meta.json"

// generateMountName creates a readable directory name for a config file.
// Format: basename-hash (e.g., "layercache-a1b2c3")
func generateMountName(configFile string) string {
	base := strings.TrimSuffix(filepath.Base(configFile), filepath.Ext(configFile))
	hash := sha256.Sum256([]byte(configFile))
	return fmt.Sprintf("%s-%s", base, hex.EncodeToString(hash[:3]))
}

// getMountsDir returns the directory automatic mounts are created in.
func getMountsDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "layercache")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// sidecarPath returns the metadata path for a mount point. It lives beside
// the mount, not inside it.
func sidecarPath(mountPoint string) string {
	return mountPoint + sidecarSuffix
}

func saveMountMetadata(mountPoint string, meta *MountMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(mountPoint), data, 0o644)
}

func loadMountMetadata(path string) (*MountMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta MountMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// listMounts reads every sidecar in dir.
func listMounts(dir string) ([]*MountMetadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var mounts []*MountMetadata
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), sidecarSuffix) {
			continue
		}
		meta, err := loadMountMetadata(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		mounts = append(mounts, meta)
	}
	return mounts, nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Signal 0 checks liveness.
	return process.Signal(syscall.Signal(0)) == nil
}

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "List mounts created without an explicit mountpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := getMountsDir()
		if err != nil {
			return err
		}
		mounts, err := listMounts(dir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, m := range mounts {
			state := "running"
			if !isProcessRunning(m.PID) {
				state = "stale"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\tpid %d (%s)\n", m.MountPoint, m.Backend, m.Config, m.PID, state)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mountsCmd)
}
