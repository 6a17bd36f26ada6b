// Command watchsup loads a service catalog and supervises it: run starts
// every enabled service and blocks until signaled, validate checks a
// catalog file without starting anything, and version prints the build
// version.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/watchsup/internal/logger"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	slog.SetDefault(slog.New(logger.NewColorTextHandler(os.Stderr, nil, true)))

	root := &cobra.Command{
		Use:   "watchsup",
		Short: "Local process supervisor",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the watchsup version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
