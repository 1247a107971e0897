package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/trap-cli/internal/match"
)

var (
	matchSave bool
	matchJSON bool
)

var matchCmd = &cobra.Command{
	Use:   "match <runcat-id>",
	Short: "Cross-match a running source against reference catalogs",
	Long:  "Lists catalog sources within the search radius and below the De Ruiter cutoff, grouped by catalog and ordered by De Ruiter radius.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0], "running source")
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		p := assocParams(cmd)
		var matches []match.CatalogMatch
		if matchSave {
			matches, err = e.Engine.AssociateCatalogs(ctx, id, p)
		} else {
			matches, err = e.Engine.MatchNearestsInCatalogs(ctx, id, p)
		}
		if err != nil {
			return err
		}

		if matchJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(matches)
		}
		formatMatches(cmd.OutOrStdout(), matches)
		return nil
	},
}

func init() {
	matchCmd.Flags().BoolVar(&matchSave, "save", false, "store the best counterpart per catalog")
	matchCmd.Flags().BoolVar(&matchJSON, "json", false, "print JSON instead of a table")
	addParamFlags(matchCmd)
	rootCmd.AddCommand(matchCmd)
}

// formatMatches writes catalog counterparts as a table.
func formatMatches(out io.Writer, matches []match.CatalogMatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATALOG\tSOURCE\tID\tRA\tDECL\tDIST_ARCSEC\tASSOC_R")
	_, _ = fmt.Fprintln(w, "-------\t------\t--\t--\t----\t-----------\t-------")
	for _, m := range matches {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.6f\t%.6f\t%.3f\t%.3f\n",
			m.CatalogName,
			m.Name,
			m.CatalogSourceID,
			m.RA,
			m.Decl,
			m.DistanceArcsec,
			m.AssocR,
		)
	}
	_ = w.Flush()
}
