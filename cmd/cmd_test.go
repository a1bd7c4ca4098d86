package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userLayer = `<?xml version="1.0"?>
<!DOCTYPE filesystem PUBLIC "-//NetBeans//DTD Filesystem 1.2//EN" "http://www.netbeans.org/dtds/filesystem-1_2.dtd">
<filesystem>
  <folder name="Menu">
    <file name="Edit">
      <attr name="position" intvalue="50"/>
    </file>
  </folder>
</filesystem>`

const defaultLayer = `<?xml version="1.0"?>
<filesystem>
  <folder name="Menu">
    <file name="File"><![CDATA[file menu]]>
      <attr name="position" intvalue="100"/>
      <attr name="label" methodvalue="menu.label"/>
    </file>
    <file name="Edit">
      <attr name="position" intvalue="200"/>
    </file>
  </folder>
</filesystem>`

// setupConfig writes two layers and a config with a file cache.
func setupConfig(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.xml"), []byte(userLayer), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.xml"), []byte(defaultLayer), 0o644))
	cfg := `
cache {
  path    = "layers.cache"
  backend = "` + backend + `"
}

layer "user"    { path = "user.xml" }
layer "default" { path = "default.xml" }

function "menu.label" { expr = "upper(name)" }
`
	p := filepath.Join(dir, "layercache.hcl")
	require.NoError(t, os.WriteFile(p, []byte(cfg), 0o644))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBuildThenInspect(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := setupConfig(t, backend)

			out, err := run(t, "--config", cfg, "build")
			require.NoError(t, err)
			assert.Contains(t, out, "Merged 2 layers")
			assert.Contains(t, out, "Cache written")
			_, err = os.Stat(filepath.Join(filepath.Dir(cfg), "layers.cache"))
			require.NoError(t, err)

			out, err = run(t, "--config", cfg, "ls", "Menu")
			require.NoError(t, err)
			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 2)
			assert.True(t, strings.HasPrefix(lines[0], "Edit\t"), "user layer position 50 sorts first")
			assert.True(t, strings.HasPrefix(lines[1], "File\t"))

			out, err = run(t, "--config", cfg, "cat", "Menu/File")
			require.NoError(t, err)
			assert.Equal(t, "file menu", out)

			out, err = run(t, "--config", cfg, "attr", "Menu/File", "label")
			require.NoError(t, err)
			assert.Equal(t, "FILE\n", out)

			out, err = run(t, "--config", cfg, "attr", "Menu/Edit")
			require.NoError(t, err)
			assert.Equal(t, "position=50\n", out)

			out, err = run(t, "--config", cfg, "query", "-p", "Menu", "-r", "$.children[?(@.attrs.position > 60)].name")
			require.NoError(t, err)
			assert.Contains(t, out, "File")
			assert.NotContains(t, out, "Edit")
		})
	}
}

func TestCommandErrors(t *testing.T) {
	cfg := setupConfig(t, "file")

	_, err := run(t, "--config", cfg, "cat", "Menu")
	assert.Error(t, err)

	_, err = run(t, "--config", cfg, "ls", "Nope")
	assert.ErrorContains(t, err, "no such node")

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.hcl"), "ls")
	assert.ErrorContains(t, err, "load config")
}

func TestMountMetadata(t *testing.T) {
	dir := t.TempDir()
	mp := filepath.Join(dir, generateMountName("/etc/layercache.hcl"))
	assert.True(t, strings.HasPrefix(filepath.Base(mp), "layercache-"))

	meta := &MountMetadata{PID: os.Getpid(), Config: "/etc/layercache.hcl", MountPoint: mp, Backend: "nfs"}
	require.NoError(t, saveMountMetadata(mp, meta))

	mounts, err := listMounts(dir)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, mp, mounts[0].MountPoint)
	assert.True(t, isProcessRunning(mounts[0].PID))
}

func TestServingSessionFollowsBuilds(t *testing.T) {
	cfg := setupConfig(t, "file")
	raw, err := os.ReadFile(cfg)
	require.NoError(t, err)
	withControl := strings.Replace(string(raw), `backend = "file"`, "backend = \"file\"\n  control = \"layers.ctl\"", 1)
	require.NoError(t, os.WriteFile(cfg, []byte(withControl), 0o644))

	out, err := run(t, "--config", cfg, "build")
	require.NoError(t, err)
	assert.Contains(t, out, "Control generation 1.")

	configPath = cfg
	s, err := newSession()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	rep, err := s.load(context.Background())
	require.NoError(t, err)
	require.True(t, rep.FromCache, rep.CacheMiss)
	s.follow(context.Background())

	user := filepath.Join(filepath.Dir(cfg), "user.xml")
	changed := strings.Replace(userLayer, `<file name="Edit">`, `<file name="Help"/><file name="Edit">`, 1)
	require.NoError(t, os.WriteFile(user, []byte(changed), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(user, later, later))

	out, err = run(t, "--config", cfg, "build")
	require.NoError(t, err)
	assert.Contains(t, out, "Control generation 2.")

	require.Eventually(t, func() bool {
		_, ok := s.FS().Find("Menu/Help")
		return ok
	}, 10*time.Second, 50*time.Millisecond)
}
