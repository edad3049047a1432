package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dxtrain/internal/config"
	"dxtrain/pkg/dxtrain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type globalFlags struct {
	logLevel   string
	logFormat  string
	outputRoot string
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "dxtrainctl",
		Short:         "Train and inspect multi-modal diagnosis classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return configureLogging(g.logLevel, g.logFormat)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: trace|debug|info|warn|error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text|json")
	root.PersistentFlags().StringVar(&g.outputRoot, "output-root", config.DefaultOutputRoot, "directory holding experiments and the run index")

	root.AddCommand(
		newTrainCmd(g),
		newStatusCmd(g),
		newRunsCmd(g),
		newPredictionsCmd(g),
		newDatasetCmd(),
	)
	return root
}

func configureLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "invalid --log-level")
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	switch strings.ToLower(format) {
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("invalid --log-format %q: want text or json", format)
	}
	return nil
}

func (g *globalFlags) client() (*dxtrain.Client, error) {
	return dxtrain.New(dxtrain.Options{OutputRoot: g.outputRoot})
}
