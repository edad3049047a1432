package dataset

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dxtrain/internal/model"
)

func writePNG(t *testing.T, path string, w, h int, level uint8) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeSplit(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	csv := "id,label,age,count,unused\np1,1,0.5,12,x\np2,0,0.25,3,y\n\np3,0,0.75,8,z\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "train.csv"), []byte(csv), 0o644))
	writePNG(t, filepath.Join(root, "train", "p1", "a.png"), 3, 2, 255)
	writePNG(t, filepath.Join(root, "train", "p1", "b.png"), 3, 2, 0)
	writePNG(t, filepath.Join(root, "train", "p2", "a.png"), 3, 2, 51)
	writePNG(t, filepath.Join(root, "train", "p3", "a.png"), 3, 2, 102)
	return root
}

func TestReadEntries(t *testing.T) {
	entries, err := ReadEntries(strings.NewReader("id,label,age\nx,1,3.5\ny,0,-1\n"), []string{"age"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{ID: "x", Label: model.LabelSick, Attributes: map[string]float64{"age": 3.5}}, entries[0])

	_, err = ReadEntries(strings.NewReader("id,label\nx,1\n"), []string{"age"})
	assert.Error(t, err, "missing attribute column")
	_, err = ReadEntries(strings.NewReader("id,label\nx,2\n"), nil)
	assert.Error(t, err, "label out of range")
	_, err = ReadEntries(strings.NewReader("id,label\nx,1\nx,0\n"), nil)
	assert.Error(t, err, "duplicate id")
	_, err = ReadEntries(strings.NewReader("id,label,age\nx,1,old\n"), []string{"age"})
	assert.Error(t, err, "non-numeric attribute")
}

func TestLoadSplitWithPaddedImages(t *testing.T) {
	root := writeSplit(t)
	split, err := Load(Options{Root: root, AttrToUse: []string{"age", "count"}, MaxImages: 3, Prefetch: 1, LoadImages: true}, SplitTrain)
	require.NoError(t, err)
	assert.Equal(t, 3, split.Len())
	assert.Equal(t, SplitTrain, split.Name())

	rec, err := split.Record(0)
	require.NoError(t, err)
	assert.Equal(t, "p1", rec.ID)
	assert.Equal(t, model.LabelSick, rec.Label)
	assert.Equal(t, 12.0, rec.Attributes["count"])
	require.Len(t, rec.Images, 3)
	assert.Equal(t, []bool{false, false, true}, rec.Mask)
	assert.Equal(t, 2, rec.RealImages())
	assert.Equal(t, 3, rec.ImageWidth)
	assert.Equal(t, 2, rec.ImageHeight)
	assert.InDelta(t, 1.0, rec.Images[0][0], 1e-9)
	assert.InDelta(t, 0.0, rec.Images[1][5], 1e-9)
	assert.Equal(t, make([]float64, 6), rec.Images[2])

	w, h, err := split.ImageShape()
	require.NoError(t, err)
	assert.Equal(t, [2]int{3, 2}, [2]int{w, h})
}

func TestRecordWithoutImages(t *testing.T) {
	root := writeSplit(t)
	split, err := Load(Options{Root: root, AttrToUse: []string{"age"}}, SplitTrain)
	require.NoError(t, err)
	rec, err := split.Record(1)
	require.NoError(t, err)
	assert.Nil(t, rec.Images)
	assert.Equal(t, 0.25, rec.Attributes["age"])
}

func TestOrderIsSeededPermutation(t *testing.T) {
	root := writeSplit(t)
	split, err := Load(Options{Root: root}, SplitTrain)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, split.Order(nil, false))
	a := split.Order(rand.New(rand.NewSource(3)), true)
	b := split.Order(rand.New(rand.NewSource(3)), true)
	assert.Equal(t, a, b)
	assert.ElementsMatch(t, []int{0, 1, 2}, a)
}

func TestIteratePrefetchesInOrder(t *testing.T) {
	root := writeSplit(t)
	split, err := Load(Options{Root: root, Prefetch: 2, LoadImages: true}, SplitTrain)
	require.NoError(t, err)

	it := split.Iterate(context.Background(), []int{2, 0, 1})
	defer it.Close()
	var ids []string
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"p3", "p1", "p2"}, ids)
}

func TestIterateSurfacesErrorsAndCloseEarly(t *testing.T) {
	root := writeSplit(t)
	require.NoError(t, os.RemoveAll(filepath.Join(root, "train", "p2")))
	split, err := Load(Options{Root: root, LoadImages: true}, SplitTrain)
	require.NoError(t, err)

	it := split.Iterate(context.Background(), []int{0, 1, 2})
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = it.Next()
	assert.Error(t, err)
	it.Close()

	early := split.Iterate(context.Background(), []int{0, 2})
	early.Close()
}

func TestLoadMissingSplit(t *testing.T) {
	_, err := Load(Options{Root: t.TempDir()}, SplitVal)
	assert.Error(t, err)
}

func TestGenerateSyntheticLoads(t *testing.T) {
	root := t.TempDir()
	opts := SynthOptions{Seed: 5, Train: 6, Val: 2, Test: 2, ImageSize: 4, MaxImages: 2}
	counts, err := GenerateSynthetic(root, opts)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{SplitTrain: 6, SplitVal: 2, SplitTest: 2}, counts)

	split, err := Load(Options{Root: root, AttrToUse: []string{"age", "marker"}, MaxImages: 2, LoadImages: true}, SplitTrain)
	require.NoError(t, err)
	require.Equal(t, 6, split.Len())

	w, h, err := split.ImageShape()
	require.NoError(t, err)
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, h)
	rec, err := split.Record(0)
	require.NoError(t, err)
	assert.Len(t, rec.Images, 2)
	assert.GreaterOrEqual(t, rec.RealImages(), 1)

	desc := split.Describe()
	assert.Equal(t, SplitTrain, desc.Split)
	assert.Equal(t, 6, desc.Healthy+desc.Sick)
	assert.Contains(t, desc.AttrMean, "marker")
	for _, v := range desc.AttrMean {
		assert.True(t, v >= 0 && v <= 1)
	}

	again := t.TempDir()
	_, err = GenerateSynthetic(again, opts)
	require.NoError(t, err)
	a, err := os.ReadFile(filepath.Join(root, "train.csv"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(again, "train.csv"))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b), "same seed, same cohort")
}

func TestDescribeEmptySplit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "val.csv"), []byte("id,label,age\n"), 0o644))
	split, err := Load(Options{Root: root, AttrToUse: []string{"age"}}, SplitVal)
	require.NoError(t, err)
	desc := split.Describe()
	assert.Zero(t, desc.Patients)
	assert.Empty(t, desc.AttrMean)

	_, err = GenerateSynthetic("", SynthOptions{})
	assert.Error(t, err)
}
