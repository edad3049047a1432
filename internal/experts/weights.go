package experts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"dxtrain/internal/model"
	"dxtrain/internal/storage"
)

// Format is the serialization of a weight file.
type Format string

const (
	FormatJSON  Format = "json"
	FormatProto Format = "proto"
)

// WeightsBaseName is the file name, without extension, of saved weights.
const WeightsBaseName = "model"

const weightsVersion = 1

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatProto:
		return FormatProto, nil
	default:
		return "", errors.Errorf("unsupported checkpoint format: %q", raw)
	}
}

func (f Format) Ext() string {
	if f == FormatProto {
		return ".pb"
	}
	return ".json"
}

// WeightTensor is one named parameter with its data.
type WeightTensor struct {
	Name      string    `json:"name"`
	Component string    `json:"component"`
	Data      []float64 `json:"data"`
}

// WeightFile is the persisted model state: parameters plus optimizer state.
type WeightFile struct {
	model.VersionedRecord
	Mode         string         `json:"mode"`
	Family       string         `json:"family"`
	LearningRate float64        `json:"learning_rate"`
	Weights      []WeightTensor `json:"weights"`
	Momentum     []WeightTensor `json:"momentum,omitempty"`
}

// WeightsPath returns where Checkpoint writes for the given selector.
func WeightsPath(dir, which string, format Format) string {
	if which == model.WhichBest {
		dir = filepath.Join(dir, storage.BestModelDir)
	}
	return filepath.Join(dir, WeightsBaseName+format.Ext())
}

// Checkpoint saves weights to the output directory, or to its best_model
// sub-directory when best is set.
func (m *Model) Checkpoint(best bool) error {
	if m.cfg.OutputDir == "" {
		return errors.New("model output directory is not set")
	}
	which := model.WhichLatest
	if best {
		which = model.WhichBest
	}
	payload, err := EncodeWeights(m.snapshot(), m.cfg.Format)
	if err != nil {
		return err
	}
	path := WeightsPath(m.cfg.OutputDir, which, m.cfg.Format)
	return errors.Wrapf(storage.WriteFileAtomic(path, payload), "write %s", path)
}

// LoadCheckpoint restores every parameter and the optimizer state.
func (m *Model) LoadCheckpoint(dir, which string) error {
	wf, err := m.readWeights(dir, which)
	if err != nil {
		return err
	}
	if err := m.restore(wf, nil); err != nil {
		return err
	}
	if wf.LearningRate > 0 {
		m.opt.SetLR(wf.LearningRate)
	}
	for _, t := range wf.Momentum {
		if p, ok := m.byName[t.Name]; ok && len(t.Data) == len(p.Value) {
			m.opt.SetVelocity(t.Name, t.Data)
		}
	}
	return nil
}

// LoadSubmodel restores only the parameters of the named components. The
// optimizer keeps its own state.
func (m *Model) LoadSubmodel(dir, which string, components []string) error {
	if len(components) == 0 {
		return errors.New("no components requested")
	}
	wf, err := m.readWeights(dir, which)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(components))
	for _, c := range components {
		keep[c] = true
	}
	return m.restore(wf, keep)
}

func (m *Model) snapshot() WeightFile {
	wf := WeightFile{
		VersionedRecord: model.VersionedRecord{SchemaVersion: weightsVersion, CodecVersion: weightsVersion},
		Mode:            m.cfg.Mode.String(),
		Family:          string(m.cfg.Family),
		LearningRate:    m.opt.LR(),
	}
	for _, p := range m.params {
		wf.Weights = append(wf.Weights, WeightTensor{Name: p.Name, Component: p.Component, Data: append([]float64(nil), p.Value...)})
		if v := m.opt.Velocity(p.Name); v != nil {
			wf.Momentum = append(wf.Momentum, WeightTensor{Name: p.Name, Component: p.Component, Data: append([]float64(nil), v...)})
		}
	}
	return wf
}

// restore copies tensors into parameters. A nil filter requires every
// parameter to be present; otherwise only filtered components are required.
func (m *Model) restore(wf WeightFile, filter map[string]bool) error {
	saved := make(map[string]WeightTensor, len(wf.Weights))
	for _, t := range wf.Weights {
		saved[t.Name] = t
	}
	loaded := 0
	for _, p := range m.params {
		if filter != nil && !filter[p.Component] {
			continue
		}
		t, ok := saved[p.Name]
		if !ok {
			return errors.Errorf("weights missing parameter %s", p.Name)
		}
		if len(t.Data) != len(p.Value) {
			return errors.Errorf("parameter %s: saved size %d != model size %d", p.Name, len(t.Data), len(p.Value))
		}
		copy(p.Value, t.Data)
		loaded++
	}
	if loaded == 0 {
		return errors.New("no matching parameters to load")
	}
	return nil
}

func (m *Model) readWeights(dir, which string) (WeightFile, error) {
	if which != model.WhichLatest && which != model.WhichBest {
		return WeightFile{}, errors.Errorf("unknown checkpoint selector %q", which)
	}
	formats := []Format{m.cfg.Format, FormatJSON, FormatProto}
	for _, f := range formats {
		path := WeightsPath(dir, which, f)
		payload, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return WeightFile{}, errors.Wrapf(err, "read %s", path)
		}
		wf, err := DecodeWeights(payload, f)
		if err != nil {
			return WeightFile{}, errors.Wrapf(err, "decode %s", path)
		}
		return wf, nil
	}
	return WeightFile{}, errors.Errorf("no %s model weights under %s", which, dir)
}

func EncodeWeights(wf WeightFile, format Format) ([]byte, error) {
	raw, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}
	if format != FormatProto {
		return raw, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "build weight struct")
	}
	return proto.Marshal(st)
}

func DecodeWeights(payload []byte, format Format) (WeightFile, error) {
	raw := payload
	if format == FormatProto {
		var st structpb.Struct
		if err := proto.Unmarshal(payload, &st); err != nil {
			return WeightFile{}, err
		}
		var err error
		if raw, err = json.Marshal(st.AsMap()); err != nil {
			return WeightFile{}, err
		}
	}
	var wf WeightFile
	if err := json.Unmarshal(raw, &wf); err != nil {
		return WeightFile{}, err
	}
	if wf.SchemaVersion != weightsVersion {
		return WeightFile{}, errors.Errorf("unsupported weights schema version %d", wf.SchemaVersion)
	}
	return wf, nil
}
