package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentic-research/layercache/internal/query"
	"github.com/agentic-research/layercache/internal/vfs"
)

var (
	queryPath    string
	queryResolve bool
	queryContent int
)

func init() {
	queryCmd.Flags().StringVarP(&queryPath, "path", "p", "", "Subtree to query")
	queryCmd.Flags().BoolVarP(&queryResolve, "resolve", "r", false, "Resolve attribute values")
	queryCmd.Flags().IntVar(&queryContent, "content", 0, "Inline file bodies up to this many bytes")
	rootCmd.AddCommand(lsCmd, catCmd, attrCmd, queryCmd)
}

// withFS loads the tree (from the cache when current) and runs fn.
func withFS(cmd *cobra.Command, fn func(fs *vfs.FS) error) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if _, err := s.load(cmd.Context()); err != nil {
		return err
	}
	return fn(s.FS())
}

func find(fs *vfs.FS, path string) (vfs.Handle, error) {
	h, ok := fs.Find(path)
	if !ok {
		return vfs.Handle{}, fmt.Errorf("no such node: %q", path)
	}
	return h, nil
}

func argOrRoot(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List the children of a folder in merged order",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fs *vfs.FS) error {
			h, err := find(fs, argOrRoot(args))
			if err != nil {
				return err
			}
			if !h.IsFolder() {
				return fmt.Errorf("%q is not a folder", h.Path())
			}
			out := cmd.OutOrStdout()
			for _, c := range fs.Children(h) {
				suffix := ""
				if c.IsFolder() {
					suffix = "/"
				}
				fmt.Fprintf(out, "%s%s\t%s\n", c.Name(), suffix, c.Origin())
			}
			return nil
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print the content of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fs *vfs.FS) error {
			h, err := find(fs, args[0])
			if err != nil {
				return err
			}
			rc, err := fs.Content(h)
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		})
	},
}

var attrCmd = &cobra.Command{
	Use:   "attr <path> [key]",
	Short: "Resolve the attributes of a node",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fs *vfs.FS) error {
			h, err := find(fs, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				v, ok := fs.Attribute(h, args[1])
				if !ok {
					return fmt.Errorf("%q has no attribute %q", h.Path(), args[1])
				}
				fmt.Fprintln(out, v)
				return nil
			}
			for _, k := range fs.Attributes(h) {
				if v, ok := fs.Attribute(h, k); ok {
					fmt.Fprintf(out, "%s=%v\n", k, v)
				} else {
					fmt.Fprintf(out, "%s (unresolved)\n", k)
				}
			}
			return nil
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <jsonpath>",
	Short: "Run a JSONPath expression over the merged tree",
	Example: `  layercache query '$..children[?(@.kind == "file")].path'
  layercache query -r -p Menu '$.children[?(@.attrs.position > 100)].name'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFS(cmd, func(fs *vfs.FS) error {
			res, err := query.Tree(fs, queryPath, args[0], query.Options{Resolve: queryResolve, Content: queryContent})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), query.JSON(res))
			return nil
		})
	},
}
