package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trap-cli/internal/skymap"
)

var (
	exportDataset  int64
	exportOut      string
	exportEllipses bool
	exportSigma    float64
	exportInvert   bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the running catalog as GeoJSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", exportOut)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		n, err := skymap.Export(ctx, e.Store, exportDataset, 0, skymap.Options{
			Ellipses: exportEllipses,
			Sigma:    exportSigma,
			Invert:   exportInvert,
		}, w)
		if err != nil {
			return err
		}
		zap.L().Info("sky map exported", zap.Int("features", n), zap.String("out", exportOut))
		return nil
	},
}

func init() {
	exportCmd.Flags().Int64Var(&exportDataset, "dataset", 0, "dataset id (0 exports all datasets)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportEllipses, "ellipses", false, "draw uncertainty ellipses instead of points")
	exportCmd.Flags().Float64Var(&exportSigma, "sigma", 1, "ellipse scale in standard deviations")
	exportCmd.Flags().BoolVar(&exportInvert, "invert", false, "flip longitude for inside-the-sphere viewers")
	rootCmd.AddCommand(exportCmd)
}
