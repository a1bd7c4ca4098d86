package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "layercache.hcl")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
cache {
  path           = "cache/layers.lyrc"
  flush_interval = "2s"
  control        = "/run/layercache.ctl"
}

layer "user" {
  path = "user.xml"
}

layer "disabled" {
  path    = "old.xml"
  enabled = false
}

layer "default" {
  path = "/etc/layercache/default.xml"
}

function "label" {
  expr = "upper(name)"
}

watch_debounce = "500ms"
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	dir := filepath.Dir(p)

	require.NotNil(t, cfg.Cache)
	assert.Equal(t, filepath.Join(dir, "cache/layers.lyrc"), cfg.Cache.Path)
	assert.Equal(t, "/run/layercache.ctl", cfg.Cache.Control)
	assert.Equal(t, 2*time.Second, cfg.Cache.Interval())
	assert.Equal(t, BackendFile, cfg.Cache.BackendName())
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce())

	layers := cfg.EnabledLayers()
	require.Len(t, layers, 2)
	assert.Equal(t, "user", layers[0].Name)
	assert.Equal(t, filepath.Join(dir, "user.xml"), layers[0].Path)
	assert.Equal(t, "/etc/layercache/default.xml", layers[1].Path)

	assert.Equal(t, map[string]string{"label": "upper(name)"}, cfg.FunctionDefs())
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"duplicate layer", `
layer "a" { path = "a.xml" }
layer "a" { path = "b.xml" }
`, `layer "a" defined twice`},
		{"bad backend", `cache {
  path    = "x"
  backend = "redis"
}`, `unknown cache backend "redis"`},
		{"bad duration", `watch_debounce = "soon"`, "watch_debounce"},
		{"syntax", `layer "a" {`, "load config"},
		{"unknown block", `mount "x" {}`, "load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCacheConfig_Defaults(t *testing.T) {
	c := &CacheConfig{Path: "x"}
	assert.Equal(t, BackendFile, c.BackendName())
	assert.Equal(t, "default", c.RowName())
	assert.Zero(t, c.Interval())
}
