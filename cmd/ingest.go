package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trap-cli/internal/ingest"
)

var (
	ingestDataset     int64
	ingestDescription string
	ingestClose       bool
	ingestConcurrency int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.yaml>...",
	Short: "Ingest source-finder output and associate it",
	Long: "Loads one YAML file per image, stores each image's detections, removes forced-null " +
		"duplicates and associates the rest with running sources. Files are associated in image time order.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer e.Close()

		concurrency := ingestConcurrency
		if concurrency == 0 {
			concurrency = cfg.Ingest.Concurrency
		}
		p := assocParams(cmd)
		if err := p.Validate(); err != nil {
			return err
		}
		runner := ingest.NewRunner(e.Store, e.Engine, e.Metrics, concurrency)
		// Every file must parse before the dataset exists.
		files, err := runner.Load(ctx, args)
		if err != nil {
			return err
		}

		ds := ingestDataset
		if ds == 0 {
			ds, err = e.Store.InsertDataset(ctx, ingestDescription)
			if err != nil {
				return eris.Wrap(err, "ingest: create dataset")
			}
			zap.L().Info("dataset created", zap.Int64("dataset_id", ds))
		}

		results, err := runner.Associate(ctx, ds, files, p)
		formatIngestResults(cmd.OutOrStdout(), ds, results)
		if err != nil {
			return err
		}

		if ingestClose {
			if err := e.Store.UpdateDatasetProcessEnd(ctx, ds); err != nil {
				return eris.Wrap(err, "ingest: close dataset")
			}
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().Int64Var(&ingestDataset, "dataset", 0, "dataset id (0 creates a new dataset)")
	ingestCmd.Flags().StringVar(&ingestDescription, "description", "", "description for a new dataset")
	ingestCmd.Flags().BoolVar(&ingestClose, "close", false, "mark the dataset finished after ingest")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "files parsed in parallel (default from config)")
	addParamFlags(ingestCmd)
	rootCmd.AddCommand(ingestCmd)
}

// formatIngestResults writes one row per ingested image.
func formatIngestResults(out io.Writer, datasetID int64, results []ingest.ImageResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "DATASET %d\n", datasetID)
	_, _ = fmt.Fprintln(w, "IMAGE\tFILE\tINSERTED\tFF_ND_REMOVED\tNEW\tASSOCIATED\tORPHANED\tMS")
	_, _ = fmt.Fprintln(w, "-----\t----\t--------\t-------------\t---\t----------\t--------\t--")
	for _, r := range results {
		res := r.Result
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			res.ImageID,
			r.Path,
			res.TotalInserted(),
			res.ForcedNullRemoved,
			res.NewSources,
			res.Associated,
			res.Orphaned,
			res.DurationMs,
		)
	}
	_ = w.Flush()
}
