package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ultrakipen/netcore"
)

// newVersionCmd shows the verbose version for diagnostic purposes.
func newVersionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of netcore.",
		Long: `Display version information including build details.

Shows:
- Release version
- Git commit hash
- Build timestamp
- Go runtime version`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(netcore.GetBuildInfo())
			case "text":
				cmd.Printf("netcore CLI\n")
				cmd.Printf("  Version: %s\n", netcore.Version)
				cmd.Printf("  Commit:  %s\n", netcore.GitCommit)
				cmd.Printf("  Built:   %s\n", netcore.BuildDate)
				cmd.Printf("  Runtime: %s\n", runtime.Version())
				return nil
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	return cmd
}
