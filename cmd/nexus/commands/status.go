package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/nexus/pkg/nexus"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the configured engines",
	Long: `Probe the cloud and local engines of the current context.

An unavailable local engine usually means the Ollama server is not running.
The probe is advisory; runs do not consult it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		return outputResult(struct {
			Context string               `json:"context"`
			Engines []nexus.EngineStatus `json:"engines"`
		}{rt.ctx.Name, rt.orch.Preflight(ctx)})
	},
}

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "probe timeout")
}
