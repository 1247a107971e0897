package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/trap-cli/internal/model"
)

var lightcurveJSON bool

var lightcurveCmd = &cobra.Command{
	Use:   "lightcurve <xtrsrc-id>",
	Short: "Print the light curve of a detection's running source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0], "detection")
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		pts, err := e.Engine.Lightcurve(ctx, id)
		if err != nil {
			return err
		}
		if lightcurveJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(pts)
		}
		formatLightcurve(cmd.OutOrStdout(), pts)
		return nil
	},
}

func init() {
	lightcurveCmd.Flags().BoolVar(&lightcurveJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(lightcurveCmd)
}

// formatLightcurve writes light-curve points as a table.
func formatLightcurve(out io.Writer, pts []model.LightcurvePoint) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TAUSTART\tTAU_TIME\tF_INT\tF_INT_ERR\tXTRSRC\tBAND\tSTOKES")
	_, _ = fmt.Fprintln(w, "--------\t--------\t-----\t---------\t------\t----\t------")
	for _, p := range pts {
		_, _ = fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%d\t%d\t%s\n",
			p.TauStartTS.UTC().Format(time.RFC3339),
			p.TauTime,
			p.FInt,
			p.FIntErr,
			p.XtrsrcID,
			p.BandID,
			p.Stokes,
		)
	}
	_ = w.Flush()
}
