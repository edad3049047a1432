package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const (
	runIndexFile   = "run_index.json"
	runConfigFile  = "config.json"
	runSummaryFile = "summary.json"
)

// RunIndexEntry is one experiment row in <output_root>/run_index.json.
type RunIndexEntry struct {
	RunID          string   `json:"run_id"`
	Experiment     string   `json:"experiment"`
	OutputDir      string   `json:"output_dir"`
	SystemMode     string   `json:"system_mode"`
	Loss           string   `json:"loss"`
	Epochs         int      `json:"epochs"`
	Iteration      int      `json:"iteration"`
	BestEpoch      int      `json:"best_epoch"`
	BestValLoss    float64  `json:"best_val_loss"`
	FinalTrainLoss float64  `json:"final_train_loss"`
	FinalValLoss   float64  `json:"final_val_loss"`
	TestLoss       *float64 `json:"test_loss,omitempty"`
	CreatedAtUTC   string   `json:"created_at_utc"`
	UpdatedAtUTC   string   `json:"updated_at_utc"`
}

// AppendRunIndex inserts or replaces the entry with the same run id. A
// replaced entry keeps its creation time.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return errors.New("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if entry.UpdatedAtUTC == "" {
		entry.UpdatedAtUTC = now
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			entry.CreatedAtUTC = index[i].CreatedAtUTC
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	if entry.CreatedAtUTC == "" {
		entry.CreatedAtUTC = now
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appended entries first for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// WriteRunConfig stores the resolved options as <outputDir>/config.json.
func WriteRunConfig(outputDir string, cfg any) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(outputDir, runConfigFile), cfg)
}

// ReadRunConfig decodes <outputDir>/config.json into out.
func ReadRunConfig(outputDir string, out any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, runConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// WriteRunSummary stores the final summary of a training invocation.
func WriteRunSummary(outputDir string, summary any) error {
	return writeJSON(filepath.Join(outputDir, runSummaryFile), summary)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
