package cmd

import (
	"context"
	goflag "flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var configPath string

func init() {
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	_ = goflag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "layercache.hcl", "Path to the HCL configuration")
}

var rootCmd = &cobra.Command{
	Use:           "layercache",
	Short:         "Merge layered filesystem documents into one cached virtual tree",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog reads its flags from the Go flag set.
		_ = goflag.CommandLine.Parse(nil)
	},
}

// Execute runs the root command.
func Execute() {
	defer glog.Flush()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}
