package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/nexus/pkg/cli"
)

const appName = "nexus"

var (
	// Global flags
	cfgFile     string
	contextName string
	outputFile  string
	outputJSON  bool
	query       string
	verbose     bool

	// Global configuration
	globalConfig  *cli.Config
	configLoadErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Multi-engine orchestration router",
	Long: `nexus - dispatch one prompt to a cloud and a local engine.

Strategies:
  single-cloud         cloud engine only
  single-local         local engine only
  hybrid-sequential    cloud, then local refines, then cloud refines again
  hybrid-parallel      both engines answer at once
  hybrid-adversarial   both answer, then each critiques the other

Every completed step is sealed in an envelope whose hash extends the run's
seed or an earlier envelope, so the lineage can be verified later.

Configuration is stored in ~/.nexus/nexus/ and supports multiple contexts,
similar to kubectl's context management.

Examples:
  # Set up a context with Gemini in the cloud and Ollama locally
  nexus config add-context dev --cloud-kind gemini --cloud-model gemini-2.5-flash \
    --cloud-api-key '$GEMINI_API_KEY' --local-kind ollama --local-model llama3

  # Run a prompt
  nexus run -s hybrid-adversarial "Is P equal to NP?"

  # Pipe the lineage to another command
  nexus run --no-stream --json "hello" | jq '.envelopes[].hash'
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.nexus/nexus/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context name to use")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON (for piping)")
	rootCmd.PersistentFlags().StringVarP(&query, "query", "q", "", "jq expression applied to the output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(lineageCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig keeps a load error for later so commands that need no
// config, like version, still work.
func initConfig() {
	globalConfig, configLoadErr = cli.LoadConfigWithPath(appName, cfgFile)
}

func getConfig() (*cli.Config, error) {
	if globalConfig == nil {
		return nil, fmt.Errorf("config not available: %w", configLoadErr)
	}
	return globalConfig, nil
}

// getContext returns the context to use. Without any configured context
// the simulated default is used so the tool works out of the box.
func getContext() (*cli.Context, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	if contextName == "" && len(cfg.Contexts) == 0 {
		cli.PrintWarning("no context configured, using simulated engines (see 'nexus config add-context')")
		ctx := cli.DefaultContext()
		ctx.Name = "default"
		return ctx, nil
	}
	ctx, err := cfg.ResolveContext(contextName)
	if err != nil {
		if contextName == "" {
			return nil, fmt.Errorf("no context specified. Use -c flag or set a default context with 'nexus config use-context'")
		}
		return nil, err
	}
	return ctx, nil
}

// outputResult outputs the result using cli package
func outputResult(result any) error {
	format := cli.FormatYAML
	if outputJSON {
		format = cli.FormatJSON
	}
	return cli.Output(result, cli.OutputOptions{
		Format: format,
		File:   outputFile,
		Query:  query,
	})
}
