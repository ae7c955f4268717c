package commands

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haivivi/nexus/pkg/cli"
	"github.com/haivivi/nexus/pkg/lineage"
	"github.com/haivivi/nexus/pkg/server"
	"github.com/haivivi/nexus/pkg/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the websocket API and metrics",
	Long: `Serve the current context over HTTP.

Endpoints:
  GET /v1/ws      websocket API (set_strategy, run, cancel, get_last, get_state)
  GET /v1/status  engine probes
  GET /metrics    prometheus metrics
  GET /healthz    liveness

Without archive_dir, lineages are kept in memory for the life of the
process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		var archive session.Archive = lineage.NewMemoryStore()
		if rt.store != nil {
			archive = rt.store
		}
		st, err := rt.ctx.DefaultStrategy()
		if err != nil {
			return err
		}
		sess := session.New(rt.orch, session.WithArchive(archive), session.WithStrategy(st))

		for _, s := range rt.orch.Preflight(ctx) {
			if !s.Available {
				cli.PrintWarning("%s engine %s is not available", s.Engine, s.Name)
			}
		}

		srv := server.New(sess,
			server.WithProber(rt.orch),
			server.WithRegistry(rt.registry),
		)
		return srv.ListenAndServe(ctx, serveAddr, func(a net.Addr) {
			cli.PrintInfo("Serving context %q on http://%s", rt.ctx.Name, a)
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "listen address")
}
