// File: cmd/version.go
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is the application version, set at build time:
//
//	go build -ldflags "-X github.com/xkilldash9x/ghoul/cmd.Version=1.0.0"
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Printing the version must work without a readable config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("ghoul version %s\n", Version)
		},
	}
}
