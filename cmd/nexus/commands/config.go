package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/nexus/pkg/cli"
	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/jsontime"
	"github.com/haivivi/nexus/pkg/lineage"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage CLI configuration and contexts.

Each context names a cloud and a local engine plus run defaults,
similar to kubectl's context management.

Configuration is stored in ~/.nexus/nexus/config.yaml`,
}

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Add a new context",
	Long: `Add a new context with the specified name.

Engine kinds: gemini, openai, ollama, simulated.
API keys may be given as '$VAR' to be read from the environment at run time.

Example:
  nexus config add-context dev \
    --cloud-kind gemini --cloud-model gemini-2.5-flash --cloud-api-key '$GEMINI_API_KEY' \
    --local-kind ollama --local-model llama3 \
    --strategy hybrid-parallel --archive-dir archive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		str := func(name string) string {
			v, _ := flags.GetString(name)
			return v
		}

		ctx := &cli.Context{
			Cloud: engine.Config{
				Kind:    str("cloud-kind"),
				Model:   str("cloud-model"),
				APIKey:  str("cloud-api-key"),
				BaseURL: str("cloud-base-url"),
			},
			Local: engine.Config{
				Kind:    str("local-kind"),
				Model:   str("local-model"),
				APIKey:  str("local-api-key"),
				BaseURL: str("local-base-url"),
			},
			Strategy:   str("strategy"),
			ArchiveDir: str("archive-dir"),
			ExportDir:  str("export-dir"),
		}
		if idle, err := flags.GetDuration("idle-timeout"); err == nil && idle > 0 {
			ctx.IdleTimeout = jsontime.Duration(idle)
		}
		if limit, err := flags.GetInt("critique-limit"); err == nil {
			ctx.CritiqueLimit = limit
		}
		if bucket := str("s3-bucket"); bucket != "" {
			pathStyle, _ := flags.GetBool("s3-path-style")
			ctx.S3 = &lineage.S3Config{
				Bucket:          bucket,
				Prefix:          str("s3-prefix"),
				Region:          str("s3-region"),
				Endpoint:        str("s3-endpoint"),
				PathStyle:       pathStyle,
				AccessKeyID:     str("s3-access-key-id"),
				SecretAccessKey: str("s3-secret-access-key"),
			}
		}

		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.AddContext(args[0], ctx); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q added successfully", args[0])
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

var configGetContextCmd = &cobra.Command{
	Use:   "get-context",
	Short: "Display the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Println("No current context set")
			return nil
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var configListContextsCmd = &cobra.Command{
	Use:     "list-contexts",
	Aliases: []string{"get-contexts"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if len(cfg.Contexts) == 0 {
			fmt.Println("No contexts configured")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tCLOUD\tLOCAL\tSTRATEGY")
		for _, name := range cfg.ListContexts() {
			ctx := cfg.Contexts[name]
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			st, _ := ctx.DefaultStrategy()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", current, name, engineLabel(ctx.Cloud), engineLabel(ctx.Local), st)
		}
		return w.Flush()
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Config file: %s\n", cfg.Path())
		fmt.Printf("Current context: %s\n", cfg.CurrentContext)
		fmt.Printf("Contexts: %d\n", len(cfg.Contexts))

		for _, name := range cfg.ListContexts() {
			ctx := cfg.Contexts[name]
			fmt.Printf("\n  %s:\n", name)
			for _, e := range []struct {
				label string
				cfg   engine.Config
			}{{"Cloud", ctx.Cloud}, {"Local", ctx.Local}} {
				fmt.Printf("    %s: %s\n", e.label, engineLabel(e.cfg))
				if e.cfg.APIKey != "" {
					fmt.Printf("      API Key: %s\n", cli.MaskAPIKey(e.cfg.APIKey))
				}
				if e.cfg.BaseURL != "" {
					fmt.Printf("      Base URL: %s\n", e.cfg.BaseURL)
				}
			}
			if st, err := ctx.DefaultStrategy(); err == nil {
				fmt.Printf("    Strategy: %s\n", st)
			}
			if ctx.IdleTimeout > 0 {
				fmt.Printf("    Idle Timeout: %s\n", ctx.IdleTimeout)
			}
			if ctx.CritiqueLimit > 0 {
				fmt.Printf("    Critique Limit: %d\n", ctx.CritiqueLimit)
			}
			if ctx.ArchiveDir != "" {
				fmt.Printf("    Archive: %s\n", cfg.Resolve(ctx.ArchiveDir))
			}
			if ctx.S3 != nil {
				fmt.Printf("    Export: s3://%s/%s\n", ctx.S3.Bucket, ctx.S3.Prefix)
			} else if ctx.ExportDir != "" {
				fmt.Printf("    Export: %s\n", cfg.Resolve(ctx.ExportDir))
			}
		}
		return nil
	},
}

func engineLabel(c engine.Config) string {
	if c.Model == "" {
		return c.Kind
	}
	return c.Kind + "/" + c.Model
}

func init() {
	f := configAddContextCmd.Flags()
	f.String("cloud-kind", engine.KindGemini, "cloud engine kind")
	f.String("cloud-model", "", "cloud engine model")
	f.String("cloud-api-key", "", "cloud engine API key or $VAR")
	f.String("cloud-base-url", "", "cloud engine base URL")
	f.String("local-kind", engine.KindOllama, "local engine kind")
	f.String("local-model", "", "local engine model")
	f.String("local-api-key", "", "local engine API key or $VAR")
	f.String("local-base-url", "", "local engine base URL (default "+engine.DefaultOllamaURL+")")
	f.String("strategy", "", "default strategy (default single-cloud)")
	f.Duration("idle-timeout", time.Duration(0), "idle timeout per fragment (default 60s)")
	f.Int("critique-limit", 0, "truncate quoted text in critiques to N runes (0 = unlimited)")
	f.String("archive-dir", "", "lineage archive directory, relative to the config directory")
	f.String("export-dir", "", "default lineage export directory")
	f.String("s3-bucket", "", "export lineages to this S3 bucket")
	f.String("s3-prefix", "", "S3 key prefix")
	f.String("s3-region", "", "S3 region (default us-east-1)")
	f.String("s3-endpoint", "", "S3-compatible endpoint URL")
	f.Bool("s3-path-style", false, "use path-style S3 addressing")
	f.String("s3-access-key-id", "", "S3 access key id or $VAR")
	f.String("s3-secret-access-key", "", "S3 secret access key or $VAR")

	configCmd.AddCommand(configAddContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configGetContextCmd)
	configCmd.AddCommand(configListContextsCmd)
	configCmd.AddCommand(configViewCmd)
}
