package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/trap-cli/internal/model"
)

var (
	runcatDataset int64
	runcatLimit   int
)

var runcatCmd = &cobra.Command{
	Use:   "runcat",
	Short: "List running sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		rcs, err := e.Store.ListRunningSources(ctx, runcatDataset, runcatLimit)
		if err != nil {
			return eris.Wrap(err, "runcat")
		}
		formatRunningSources(cmd.OutOrStdout(), rcs)
		return nil
	},
}

func init() {
	runcatCmd.Flags().Int64Var(&runcatDataset, "dataset", 0, "dataset id (0 lists all datasets)")
	runcatCmd.Flags().IntVar(&runcatLimit, "limit", 100, "maximum rows")
	rootCmd.AddCommand(runcatCmd)
}

// formatRunningSources writes running sources as a table. Uncertainties
// are shown in arcsec.
func formatRunningSources(out io.Writer, rcs []model.RunningSource) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDATASET\tPOINTS\tWM_RA\tWM_DECL\tUNC_EW\"\tUNC_NS\"")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-----\t-------\t-------\t-------")
	for _, rc := range rcs {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%.6f\t%.6f\t%.3f\t%.3f\n",
			rc.ID,
			rc.DatasetID,
			rc.Datapoints,
			rc.WmRA,
			rc.WmDecl,
			rc.WmUncertaintyEW*3600,
			rc.WmUncertaintyNS*3600,
		)
	}
	_ = w.Flush()
}
