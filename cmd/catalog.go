package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trap-cli/internal/ingest"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage reference catalogs",
}

var catalogLoadCmd = &cobra.Command{
	Use:   "load <catalog.yaml>",
	Short: "Load or refresh a reference catalog",
	Long:  "Creates the catalog if needed and upserts its sources by name.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cf, err := ingest.ReadCatalogFile(args[0])
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		catID, err := e.Store.InsertCatalog(ctx, cf.Name, cf.Description)
		if err != nil {
			return eris.Wrap(err, "catalog load")
		}
		n, err := e.Store.LoadCatalogSources(ctx, catID, cf.CatalogSources())
		if err != nil {
			return eris.Wrapf(err, "catalog load %s", cf.Name)
		}

		zap.L().Info("catalog loaded",
			zap.String("catalog", cf.Name),
			zap.Int64("catalog_id", catID),
			zap.Int64("sources", n),
		)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogLoadCmd)
	rootCmd.AddCommand(catalogCmd)
}
