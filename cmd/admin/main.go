package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/iudanet/storagerelay/internal/admin"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := admin.NewRootCmd(admin.Deps{})
	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("storagerelay admin\nVersion:    %s\nBuild Date: %s\nGit Commit: %s\n",
		Version, BuildDate, GitCommit))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), cmd.Root().VersionTemplate())
		},
	})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), err)
		stop()
		os.Exit(1)
	}
}
