package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"dxtrain/internal/model"
	"dxtrain/pkg/dxtrain"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTrainCmd(g *globalFlags) *cobra.Command {
	var (
		req     dxtrain.TrainRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an experiment, resuming it when a snapshot exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			summary, runErr := client.Train(cmd.Context(), req)
			if summary.RunID == "" {
				return runErr
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if err := writeJSON(out, summary); err != nil {
					return err
				}
				return runErr
			}
			fmt.Fprintf(out, "run_id=%s experiment=%s status=%s output_dir=%s\n", summary.RunID, summary.Experiment, summary.Status, summary.OutputDir)
			fmt.Fprintf(out, "epochs_run=%d epoch=%d iter=%d lr=%g decays=%d steps=%d\n",
				summary.EpochsRun, summary.Epoch, summary.Iteration, summary.LR, summary.DecayEvents, summary.Steps)
			fmt.Fprintf(out, "train_loss=%.4f val_loss=%.4f best_epoch=%d best_val_loss=%.4f\n",
				summary.TrainLoss, summary.ValLoss, summary.BestEpoch, summary.BestValLoss)
			if summary.TestLoss != nil {
				fmt.Fprintf(out, "test_loss=%.4f\n", *summary.TestLoss)
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&req.ConfigPath, "config", "c", "", "experiment YAML file")
	cmd.Flags().StringVar(&req.OutputDir, "output-dir", "", "override the experiment output directory")
	cmd.Flags().StringVar(&req.StoreKind, "store", "", "override training.store: file|memory|sqlite")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the summary as JSON")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var (
		req     dxtrain.StatusRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted training state of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, status)
			}
			if !status.Found {
				fmt.Fprintf(out, "no %s snapshot in %s\n", status.Which, status.OutputDir)
				return nil
			}
			fmt.Fprintf(out, "run_id=%s which=%s epoch=%d iter=%d lr=%g plateau_threshold=%g\n",
				status.RunID, status.Which, status.Epoch, status.Iteration, status.LR, status.PlateauThreshold)
			for i, l := range status.Losses {
				fmt.Fprintf(out, "epoch=%d train_loss=%.4f val_loss=%.4f\n", i+1, l.Train, l.Val)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.OutputDir, "run", "", "run output directory, or an experiment name under --output-root")
	cmd.Flags().StringVar(&req.StoreKind, "store", "", "store backend, defaults to the run's config")
	cmd.Flags().StringVar(&req.Which, "which", model.WhichLatest, "snapshot: latest|best")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit status as JSON")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			runs, err := client.Runs(cmd.Context(), dxtrain.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("run_id=%s experiment=%s mode=%s epochs=%d best_epoch=%d best_val_loss=%.4f",
					r.RunID, r.Experiment, r.SystemMode, r.Epochs, r.BestEpoch, r.BestValLoss)
				if r.TestLoss != nil {
					line += fmt.Sprintf(" test_loss=%.4f", *r.TestLoss)
				}
				fmt.Fprintf(out, "%s updated=%s\n", line, r.UpdatedAtUTC)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs as JSON")
	return cmd
}

func newPredictionsCmd(g *globalFlags) *cobra.Command {
	var (
		req     dxtrain.PredictionsRequest
		list    bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "predictions",
		Short: "Score saved validation or test predictions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			preds, err := client.Predictions(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, preds)
			}
			q := preds.Quality
			fmt.Fprintf(out, "name=%s patients=%d sick=%d healthy=%d accuracy=%.4f balanced_accuracy=%.4f mean_pred=%.4f\n",
				preds.Name, q.Count, q.Sick, q.Healthy, q.Accuracy, q.BalancedAccuracy, q.MeanPred)
			fmt.Fprintf(out, "tp=%d tn=%d fp=%d fn=%d\n", q.TruePositive, q.TrueNegative, q.FalsePositive, q.FalseNegative)
			if list {
				ids := make([]string, 0, len(preds.Entries))
				for id := range preds.Entries {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					p := preds.Entries[id]
					fmt.Fprintf(out, "%s gt=%d pred=%.4f\n", id, p.Label, p.Pred)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.OutputDir, "run", "", "run output directory, or an experiment name under --output-root")
	cmd.Flags().StringVar(&req.StoreKind, "store", "", "store backend, defaults to the run's config")
	cmd.Flags().IntVar(&req.Epoch, "epoch", 0, "0-based validation epoch")
	cmd.Flags().BoolVar(&req.Test, "test", false, "read the test predictions instead")
	cmd.Flags().BoolVar(&list, "list", false, "print every patient")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit predictions as JSON")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
