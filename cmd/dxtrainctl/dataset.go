package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dxtrain/internal/dataset"
)

func newDatasetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Generate or inspect dataset splits",
	}
	cmd.AddCommand(newDatasetSynthCmd(), newDatasetInfoCmd())
	return cmd
}

func newDatasetSynthCmd() *cobra.Command {
	var (
		root string
		opts dataset.SynthOptions
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a seeded synthetic cohort in the loader's layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			counts, err := dataset.GenerateSynthetic(root, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generated root=%s train=%d val=%d test=%d\n",
				root, counts[dataset.SplitTrain], counts[dataset.SplitVal], counts[dataset.SplitTest])
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "data", "dataset root directory")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "generator seed")
	cmd.Flags().IntVar(&opts.Train, "train", 40, "train patients")
	cmd.Flags().IntVar(&opts.Val, "val", 10, "validation patients")
	cmd.Flags().IntVar(&opts.Test, "test", 10, "test patients")
	cmd.Flags().StringSliceVar(&opts.Attributes, "attrs", []string{"age", "marker"}, "attribute columns")
	cmd.Flags().IntVar(&opts.ImageSize, "image-size", 8, "square image side in pixels")
	cmd.Flags().IntVar(&opts.MaxImages, "max-images", 3, "max images per patient")
	cmd.Flags().Float64Var(&opts.SickFraction, "sick-fraction", 0.5, "probability a patient is sick")
	return cmd
}

func newDatasetInfoCmd() *cobra.Command {
	var (
		opts    dataset.Options
		splits  []string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Summarise labels and attributes of dataset splits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			descs := make([]dataset.Description, 0, len(splits))
			for _, name := range splits {
				split, err := dataset.Load(opts, name)
				if err != nil {
					return err
				}
				descs = append(descs, split.Describe())
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, descs)
			}
			for _, d := range descs {
				fmt.Fprintf(out, "split=%s patients=%d healthy=%d sick=%d\n", d.Split, d.Patients, d.Healthy, d.Sick)
				for _, a := range d.Attributes {
					fmt.Fprintf(out, "  %s mean=%.4f stddev=%.4f\n", a, d.AttrMean[a], d.AttrStdDev[a])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Root, "root", "data", "dataset root directory")
	cmd.Flags().StringSliceVar(&opts.AttrToUse, "attrs", nil, "attribute columns to summarise")
	cmd.Flags().StringSliceVar(&splits, "splits", []string{dataset.SplitTrain, dataset.SplitVal, dataset.SplitTest}, "splits to load")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit descriptions as JSON")
	return cmd
}
