package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/trap-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show row counts per relation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.Engine.RefreshStats(ctx)
		if err != nil {
			return err
		}
		formatStats(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// formatStats writes relation counts as a table.
func formatStats(out io.Writer, st store.Stats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RELATION\tROWS")
	_, _ = fmt.Fprintln(w, "--------\t----")
	for _, row := range []struct {
		name string
		n    int64
	}{
		{"dataset", st.Datasets},
		{"image", st.Images},
		{"extractedsource", st.Detections},
		{"runningcatalog", st.RunningSources},
		{"assocxtrsource", st.DetectionEdges},
		{"catalog", st.Catalogs},
		{"catalogedsource", st.CatalogSources},
		{"assoccatsource", st.CatalogAssociations},
	} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", row.name, row.n)
	}
	_ = w.Flush()
}
