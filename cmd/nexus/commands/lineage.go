package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haivivi/nexus/pkg/cli"
	"github.com/haivivi/nexus/pkg/lineage"
	"github.com/haivivi/nexus/pkg/nexus"
)

var exportDir string

var lineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Inspect archived lineages",
	Long: `List, show, verify and export lineages kept in the archive.

The archive is enabled per context with archive_dir.`,
}

var lineageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := archiveStore()
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := lineage.Collect(cmd.Context(), store)
		if err != nil {
			return err
		}
		if outputJSON || query != "" || outputFile != "" {
			return outputResult(all)
		}
		if len(all) == 0 {
			fmt.Println("No lineages archived")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN_ID\tSTARTED\tSTRATEGY\tENVELOPES\tELAPSED\tSTATUS")
		for _, l := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				l.RunID,
				l.StartedAt.Time().Format("2006-01-02 15:04:05"),
				l.Strategy,
				len(l.Envelopes), l.Strategy.Envelopes(),
				cli.FormatDuration(l.FinishedAt.Sub(l.StartedAt)),
				lineageStatus(l),
			)
		}
		return w.Flush()
	},
}

var lineageShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show an archived lineage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := loadLineage(cmd, args[0])
		if err != nil {
			return err
		}
		return outputResult(l)
	},
}

var lineageVerifyCmd = &cobra.Command{
	Use:   "verify <run-id>",
	Short: "Verify the hash chain of an archived lineage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := loadLineage(cmd, args[0])
		if err != nil {
			return err
		}
		if err := l.Verify(); err != nil {
			return err
		}
		cli.PrintSuccess("Lineage %s verified: seed %s, %d envelopes", l.RunID, cli.ShortHash(l.Seed, 12), len(l.Envelopes))
		return nil
	},
}

var lineageExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export an archived lineage as JSON",
	Long: `Export an archived lineage as <run-id>.json.

The target is the context's s3 bucket if configured, otherwise --dir, the
context's export_dir, or ~/.nexus/nexus/exports.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := loadLineage(cmd, args[0])
		if err != nil {
			return err
		}
		cctx, err := getContext()
		if err != nil {
			return err
		}
		exp, where, err := newExporter(cctx)
		if err != nil {
			return err
		}
		name, err := exp.Export(cmd.Context(), l)
		if err != nil {
			return err
		}
		cli.PrintSuccess("Exported %s to %s", name, where)
		return nil
	},
}

func newExporter(cctx *cli.Context) (*lineage.Exporter, string, error) {
	if cctx.S3 != nil && exportDir == "" {
		client, err := lineage.NewS3Client(*cctx.S3)
		if err != nil {
			return nil, "", err
		}
		return &lineage.Exporter{Sink: lineage.NewS3Sink(client, cctx.S3.Bucket, cctx.S3.Prefix)},
			"s3://" + cctx.S3.Bucket + "/" + cctx.S3.Prefix, nil
	}
	dir := exportDir
	if dir == "" {
		cfg, err := getConfig()
		if err != nil {
			return nil, "", err
		}
		dir = cfg.Resolve(cctx.ExportDir)
		if dir == "" {
			p, err := cli.NewPaths(appName)
			if err != nil {
				return nil, "", err
			}
			dir = p.ExportDir()
		}
	}
	sink, err := lineage.NewDirSink(dir)
	if err != nil {
		return nil, "", err
	}
	return &lineage.Exporter{Sink: sink}, sink.Root(), nil
}

func archiveStore() (lineage.Store, error) {
	cctx, err := getContext()
	if err != nil {
		return nil, err
	}
	return openArchive(cctx)
}

func loadLineage(cmd *cobra.Command, runID string) (*nexus.Lineage, error) {
	store, err := archiveStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()
	l, err := store.Get(cmd.Context(), runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return l, nil
}

func lineageStatus(l *nexus.Lineage) string {
	switch {
	case l.Cancelled:
		return "cancelled"
	case len(l.Envelopes) == 0:
		return "failed"
	case l.Partial:
		return "partial"
	default:
		return "ok"
	}
}

func init() {
	lineageExportCmd.Flags().StringVar(&exportDir, "dir", "", "export directory (overrides s3 and export_dir)")

	lineageCmd.AddCommand(lineageListCmd)
	lineageCmd.AddCommand(lineageShowCmd)
	lineageCmd.AddCommand(lineageVerifyCmd)
	lineageCmd.AddCommand(lineageExportCmd)
}
