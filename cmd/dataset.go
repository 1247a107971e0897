package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var datasetDescription string

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage datasets",
}

var datasetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a dataset and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := e.Store.InsertDataset(ctx, datasetDescription)
		if err != nil {
			return eris.Wrap(err, "dataset create")
		}
		zap.L().Info("dataset created", zap.Int64("dataset_id", id))
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var datasetCloseCmd = &cobra.Command{
	Use:   "close <dataset-id>",
	Short: "Mark a dataset's processing as finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := parseID(args[0], "dataset")
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, "query")
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Store.UpdateDatasetProcessEnd(ctx, id); err != nil {
			return eris.Wrap(err, "dataset close")
		}
		zap.L().Info("dataset closed", zap.Int64("dataset_id", id))
		return nil
	},
}

func init() {
	datasetCreateCmd.Flags().StringVar(&datasetDescription, "description", "", "dataset description")
	datasetCmd.AddCommand(datasetCreateCmd, datasetCloseCmd)
	rootCmd.AddCommand(datasetCmd)
}
