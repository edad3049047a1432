package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeAttributeExperiment prepares an attributes-only experiment, which
// needs no images on disk.
func writeAttributeExperiment(t *testing.T) (cfgPath, outputRoot string) {
	t.Helper()
	base := t.TempDir()
	data := filepath.Join(base, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	csv := "id,label,age,bmi\np1,0,0.1,0.3\np2,1,0.9,0.7\np3,0,0.2,0.2\n"
	for _, split := range []string{"train", "val", "test"} {
		require.NoError(t, os.WriteFile(filepath.Join(data, split+".csv"), []byte(csv), 0o644))
	}
	cfg := "model:\n  system_mode: A\n  attr_to_use: [age, bmi]\n" +
		"training:\n  n_iters: 6\n  test: true\n  do_logging: false\n  lr: 0.05\n  subj_batch_size: 2\n" +
		"data:\n  root: " + data + "\n"
	cfgPath = filepath.Join(base, "attrs_only.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, filepath.Join(base, "output")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestTrainStatusRunsPredictions(t *testing.T) {
	cfgPath, outputRoot := writeAttributeExperiment(t)

	out, err := runCLI(t, "train", "--config", cfgPath, "--output-root", outputRoot, "--log-level", "warn", "--json")
	require.NoError(t, err)
	var train struct {
		RunID     string
		Epoch     int
		Iteration int
		TestLoss  *float64
	}
	require.NoError(t, json.Unmarshal([]byte(out), &train))
	assert.NotEmpty(t, train.RunID)
	assert.Equal(t, 2, train.Epoch)
	assert.Equal(t, 6, train.Iteration)
	assert.NotNil(t, train.TestLoss)

	out, err = runCLI(t, "status", "--run", "attrs_only", "--output-root", outputRoot, "--json")
	require.NoError(t, err)
	var status struct {
		Found  bool
		RunID  string
		Epoch  int
		Losses []map[string]float64
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Found)
	assert.Equal(t, train.RunID, status.RunID)
	assert.Equal(t, 2, status.Epoch)
	assert.Len(t, status.Losses, 2)

	out, err = runCLI(t, "status", "--run", "attrs_only", "--output-root", outputRoot, "--which", "best")
	require.NoError(t, err)
	assert.Contains(t, out, "which=best")

	out, err = runCLI(t, "runs", "--output-root", outputRoot)
	require.NoError(t, err)
	assert.Contains(t, out, "run_id="+train.RunID)
	assert.Contains(t, out, "mode=A")

	out, err = runCLI(t, "predictions", "--run", "attrs_only", "--output-root", outputRoot, "--epoch", "1", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "name=val/000001 patients=3")
	assert.Contains(t, out, "p2 gt=1")

	out, err = runCLI(t, "predictions", "--run", "attrs_only", "--output-root", outputRoot, "--test")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "name=test/best"))
}

func TestRunsEmpty(t *testing.T) {
	out, err := runCLI(t, "runs", "--output-root", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "no runs found\n", out)
}

func TestCLIErrors(t *testing.T) {
	cases := map[string][]string{
		"unknown command":  {"evolve"},
		"missing config":   {"train"},
		"bad log level":    {"runs", "--log-level", "loud"},
		"bad log format":   {"runs", "--log-format", "xml"},
		"bad limit":        {"runs", "--limit", "0"},
		"missing run flag": {"status"},
		"missing run dir":  {"status", "--run", "nope", "--output-root", t.TempDir()},
		"missing file":     {"train", "--config", filepath.Join(t.TempDir(), "none.yaml")},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := runCLI(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestDatasetSynthThenTrain(t *testing.T) {
	base := t.TempDir()
	data := filepath.Join(base, "data")

	out, err := runCLI(t, "dataset", "synth", "--root", data, "--seed", "3", "--train", "4", "--val", "2", "--test", "2", "--image-size", "4", "--max-images", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "train=4 val=2 test=2")

	out, err = runCLI(t, "dataset", "info", "--root", data, "--attrs", "age,marker", "--splits", "train")
	require.NoError(t, err)
	assert.Contains(t, out, "split=train patients=4")
	assert.Contains(t, out, "marker mean=")

	cfg := "model:\n  system_mode: IAD\n  attr_to_use: [age, marker]\n  latent_size: 3\n" +
		"training:\n  n_iters: 4\n  subj_batch_size: 2\n  lr: 0.01\n  store: memory\n" +
		"data:\n  root: " + data + "\n  max_images: 2\n"
	cfgPath := filepath.Join(base, "synth_iad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err = runCLI(t, "train", "--config", cfgPath, "--output-root", filepath.Join(base, "output"))
	require.NoError(t, err)
	assert.Contains(t, out, "epochs_run=1 epoch=1 iter=4")
}
