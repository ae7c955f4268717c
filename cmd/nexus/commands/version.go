package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/nexus/cmd/nexus/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print version information.

The one-line banner is printed by default. With --json, -o or -q the
structured build info is written through the regular output path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := build.Get()
		if !outputJSON && outputFile == "" && query == "" {
			fmt.Println(info)
			return nil
		}
		return outputResult(info)
	},
}
