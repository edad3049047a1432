package dxtrain

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxtrain/internal/experts"
	"dxtrain/internal/metrics"
	"dxtrain/internal/model"
	"dxtrain/internal/storage"
)

func writePNG(t *testing.T, path string, level uint8) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = level + uint8(i*10)
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writeDataset lays out train/val/test splits of two patients each.
func writeDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, split := range []string{"train", "val", "test"} {
		csv := "id,label,age\nh1,0,0.2\ns1,1,0.9\n"
		require.NoError(t, os.WriteFile(filepath.Join(root, split+".csv"), []byte(csv), 0o644))
		writePNG(t, filepath.Join(root, split, "h1", "a.png"), 20)
		writePNG(t, filepath.Join(root, split, "s1", "a.png"), 200)
		writePNG(t, filepath.Join(root, split, "s1", "b.png"), 180)
	}
	return root
}

func writeExperiment(t *testing.T, dir, dataRoot string, nIters int) string {
	t.Helper()
	body := fmt.Sprintf(`model:
  system_mode: IAD
  attr_to_use: [age]
  latent_size: 2
training:
  seed: 7
  n_iters: %d
  test: true
  do_logging: true
  lr: 0.01
  subj_batch_size: 2
data:
  root: %s
  max_images: 2
`, nIters, dataRoot)
	path := filepath.Join(dir, "iad_small.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestClientTrainStatusRunsPredictions(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	dataRoot := writeDataset(t)
	outputRoot := filepath.Join(base, "output")

	client, err := New(Options{OutputRoot: outputRoot})
	require.NoError(t, err)

	summary, err := client.Train(ctx, TrainRequest{ConfigPath: writeExperiment(t, base, dataRoot, 4)})
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "iad_small", summary.Experiment)
	assert.Equal(t, "fresh", summary.Status)
	assert.Equal(t, 2, summary.Epoch)
	assert.Equal(t, 4, summary.Iteration)
	assert.Equal(t, 2, summary.Steps)
	require.NotNil(t, summary.TestLoss)

	outDir := filepath.Join(outputRoot, "iad_small")
	assert.Equal(t, filepath.Clean(outDir), summary.OutputDir)
	for _, path := range []string{
		filepath.Join(outDir, storage.StateFileName),
		filepath.Join(outDir, storage.BestModelDir, storage.StateFileName),
		experts.WeightsPath(outDir, model.WhichLatest, experts.FormatJSON),
		experts.WeightsPath(outDir, model.WhichBest, experts.FormatJSON),
		filepath.Join(outDir, "config.json"),
		filepath.Join(outDir, "summary.json"),
		filepath.Join(outDir, metrics.PromFileName),
		metrics.NewPNGDir(outDir).ImagePath("inputs_grid", 1),
		filepath.Join(outputRoot, "run_index.json"),
	} {
		assert.FileExists(t, path)
	}

	status, err := client.Status(ctx, StatusRequest{OutputDir: "iad_small"})
	require.NoError(t, err)
	require.True(t, status.Found)
	assert.Equal(t, summary.RunID, status.RunID)
	assert.Equal(t, 2, status.Epoch)
	assert.Equal(t, 4, status.Iteration)
	assert.Len(t, status.Losses, 2)

	preds, err := client.Predictions(ctx, PredictionsRequest{OutputDir: outDir, Epoch: 1})
	require.NoError(t, err)
	assert.Equal(t, "val/000001", preds.Name)
	assert.Len(t, preds.Entries, 2)
	assert.Equal(t, 2, preds.Quality.Count)

	testPreds, err := client.Predictions(ctx, PredictionsRequest{OutputDir: outDir, Test: true})
	require.NoError(t, err)
	assert.Equal(t, storage.TestPredictionsName, testPreds.Name)

	_, err = client.Predictions(ctx, PredictionsRequest{OutputDir: outDir, Epoch: 9})
	assert.Error(t, err)

	// A larger budget resumes the same run.
	resumed, err := client.Train(ctx, TrainRequest{ConfigPath: writeExperiment(t, base, dataRoot, 6)})
	require.NoError(t, err)
	assert.Equal(t, "resuming", resumed.Status)
	assert.Equal(t, summary.RunID, resumed.RunID)
	assert.Equal(t, 1, resumed.EpochsRun)
	assert.Equal(t, 3, resumed.Epoch)

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].RunID)
	assert.Equal(t, 3, runs[0].Epochs)
	assert.Equal(t, "IAD", runs[0].SystemMode)
}

func TestClientStatusErrors(t *testing.T) {
	ctx := context.Background()
	client, err := New(Options{OutputRoot: t.TempDir()})
	require.NoError(t, err)

	_, err = client.Status(ctx, StatusRequest{})
	assert.Error(t, err)
	_, err = client.Status(ctx, StatusRequest{OutputDir: "missing"})
	assert.Error(t, err)

	empty := t.TempDir()
	status, err := client.Status(ctx, StatusRequest{OutputDir: empty})
	require.NoError(t, err)
	assert.False(t, status.Found)

	_, err = client.Status(ctx, StatusRequest{OutputDir: empty, Which: "oldest"})
	assert.Error(t, err)
}

func TestClientTrainRejectsBadConfig(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  system_mode: IAG\ntraining:\n  loss: nll\n"), 0o644))

	client, err := New(Options{OutputRoot: filepath.Join(base, "output")})
	require.NoError(t, err)
	_, err = client.Train(context.Background(), TrainRequest{ConfigPath: path})
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(base, "output", "bad"))
}
