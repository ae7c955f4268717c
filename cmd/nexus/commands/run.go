package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haivivi/nexus/pkg/cli"
	"github.com/haivivi/nexus/pkg/nexus"
	"github.com/haivivi/nexus/pkg/session"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

var (
	runStrategy string
	runFile     string
	runNoStream bool
	runPlain    bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run a prompt and print its lineage",
	Long: `Run a prompt under a strategy.

Tokens are streamed to stderr as they arrive, tagged by engine; the lineage
is written to stdout (or -o) when the run ends. Ctrl-C cancels the run and
prints the partial lineage.

Examples:
  nexus run "Explain hash chains"
  nexus run -s hybrid-sequential "Write a haiku"
  nexus run -f request.yaml --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		strategy := runStrategy
		if runFile != "" {
			req, err := cli.LoadRequest(runFile)
			if err != nil {
				return err
			}
			prompt = req.Prompt
			if strategy == "" {
				strategy = req.Strategy
			}
		}
		if strings.TrimSpace(prompt) == "" {
			return errors.New("a prompt is required, as arguments or with -f")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		st, err := resolveStrategy(rt.ctx, strategy)
		if err != nil {
			return err
		}

		var opts []session.Option
		if rt.store != nil {
			opts = append(opts, session.WithArchive(rt.store))
		}
		sess := session.New(rt.orch, append(opts, session.WithStrategy(st))...)

		var onToken func(tokenbus.Token)
		var printer *cli.TokenPrinter
		if !runNoStream {
			printer = cli.NewTokenPrinter(os.Stderr, runPlain)
			onToken = printer.OnToken
		}

		l, runErr := sess.Run(ctx, prompt, onToken)
		if printer != nil {
			printer.Finish()
		}
		if l != nil {
			if err := outputResult(l); err != nil {
				return err
			}
		}
		if runErr != nil {
			return describeRunError(runErr)
		}
		return nil
	},
}

func resolveStrategy(cctx *cli.Context, s string) (nexus.Strategy, error) {
	if s == "" {
		return cctx.DefaultStrategy()
	}
	return nexus.ParseStrategy(s)
}

func describeRunError(err error) error {
	var re *nexus.RunError
	if !errors.As(err, &re) {
		return err
	}
	if errors.Is(err, nexus.ErrCancelled) {
		return fmt.Errorf("run cancelled in phase %d", re.Phase)
	}
	return err
}

func init() {
	var names []string
	for _, s := range nexus.Strategies() {
		names = append(names, string(s))
	}
	runCmd.Flags().StringVarP(&runStrategy, "strategy", "s", "", "strategy: "+strings.Join(names, ", "))
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "request file (YAML or JSON, - for stdin)")
	runCmd.Flags().BoolVar(&runNoStream, "no-stream", false, "do not print tokens while streaming")
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "stream without colors")
}

