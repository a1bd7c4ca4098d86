// Package api holds the configuration file schema.
package api

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the root of a layercache configuration file:
//
//	cache {
//	  path           = "layers.lyrc"
//	  flush_interval = "2s"
//	}
//
//	layer "user"    { path = "user.xml" }
//	layer "default" { path = "default.xml" }
//
//	function "label" { expr = "upper(name)" }
//
// Layers are listed highest priority first.
type Config struct {
	// Cache configures persistence of the merged tree. Omitted disables it.
	Cache *CacheConfig `hcl:"cache,block"`
	// Layers in priority order.
	Layers []LayerConfig `hcl:"layer,block"`
	// Functions are callables available to computed attribute values.
	Functions []FunctionConfig `hcl:"function,block"`
	// ContentCacheSize bounds the URL content cache (entries).
	ContentCacheSize int `hcl:"content_cache,optional"`
	// Parallelism bounds concurrent document parsing.
	Parallelism int `hcl:"parallelism,optional"`
	// WatchDebounce is how long `watch` waits for writes to settle.
	WatchDebounce string `hcl:"watch_debounce,optional"`
}

// CacheConfig selects where the binary cache lives.
type CacheConfig struct {
	// Path of the cache file, or of the database for the sqlite backend.
	Path string `hcl:"path"`
	// Backend is "file" (default) or "sqlite".
	Backend string `hcl:"backend,optional"`
	// Name is the row key in the sqlite backend. Defaults to "default".
	Name string `hcl:"name,optional"`
	// FlushInterval coalesces cache writes, e.g. "2s". Empty writes on demand.
	FlushInterval string `hcl:"flush_interval,optional"`
	// Control is an optional mmap'd block announcing each stored cache.
	Control string `hcl:"control,optional"`
}

// LayerConfig is one layer document.
type LayerConfig struct {
	Name    string `hcl:"name,label"`
	Path    string `hcl:"path"`
	Enabled *bool  `hcl:"enabled,optional"`
}

// IsEnabled reports whether the layer takes part in the merge.
func (l LayerConfig) IsEnabled() bool { return l.Enabled == nil || *l.Enabled }

// FunctionConfig defines a callable as an expr-lang expression.
type FunctionConfig struct {
	Name string `hcl:"name,label"`
	Expr string `hcl:"expr"`
}

// Cache backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// LoadConfig decodes an HCL file. Relative paths resolve against the
// directory of the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(abs))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) resolvePaths(base string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range c.Layers {
		c.Layers[i].Path = rel(c.Layers[i].Path)
	}
	if c.Cache != nil {
		c.Cache.Path = rel(c.Cache.Path)
		c.Cache.Control = rel(c.Cache.Control)
	}
}

// Validate checks names, backends and durations.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, l := range c.Layers {
		if seen[l.Name] {
			errs = append(errs, fmt.Errorf("layer %q defined twice", l.Name))
		}
		seen[l.Name] = true
		if l.Path == "" {
			errs = append(errs, fmt.Errorf("layer %q has no path", l.Name))
		}
	}
	fns := make(map[string]bool)
	for _, f := range c.Functions {
		if fns[f.Name] {
			errs = append(errs, fmt.Errorf("function %q defined twice", f.Name))
		}
		fns[f.Name] = true
	}
	if c.Cache != nil {
		switch c.Cache.Backend {
		case "", BackendFile, BackendSQLite:
		default:
			errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
		}
		if _, err := parseDuration(c.Cache.FlushInterval); err != nil {
			errs = append(errs, fmt.Errorf("cache flush_interval: %w", err))
		}
	}
	if _, err := parseDuration(c.WatchDebounce); err != nil {
		errs = append(errs, fmt.Errorf("watch_debounce: %w", err))
	}
	return errors.Join(errs...)
}

// EnabledLayers returns the layers that take part in the merge, in order.
func (c *Config) EnabledLayers() []LayerConfig {
	out := make([]LayerConfig, 0, len(c.Layers))
	for _, l := range c.Layers {
		if l.IsEnabled() {
			out = append(out, l)
		}
	}
	return out
}

// FunctionDefs returns the function expressions keyed by name.
func (c *Config) FunctionDefs() map[string]string {
	defs := make(map[string]string, len(c.Functions))
	for _, f := range c.Functions {
		defs[f.Name] = f.Expr
	}
	return defs
}

// Debounce returns WatchDebounce, or zero when unset.
func (c *Config) Debounce() time.Duration {
	d, _ := parseDuration(c.WatchDebounce)
	return d
}

// Interval returns FlushInterval, or zero when unset.
func (c *CacheConfig) Interval() time.Duration {
	d, _ := parseDuration(c.FlushInterval)
	return d
}

// BackendName returns the backend with its default applied.
func (c *CacheConfig) BackendName() string {
	if c.Backend == "" {
		return BackendFile
	}
	return c.Backend
}

// RowName returns the sqlite row name with its default applied.
func (c *CacheConfig) RowName() string {
	if c.Name == "" {
		return "default"
	}
	return c.Name
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
