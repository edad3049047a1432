// Package dataset loads patient splits: one CSV of labels and attributes per
// split plus a directory of PNG images per patient.
package dataset

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"dxtrain/internal/model"
)

const (
	columnID    = "id"
	columnLabel = "label"
)

// Entry is one CSV row: everything about a patient except the images.
type Entry struct {
	ID         string
	Label      model.Label
	Attributes map[string]float64
}

// ReadEntries parses a split CSV with header id,label,<attr...>. Only the
// attrs columns are kept; a missing one is an error.
func ReadEntries(in io.Reader, attrs []string) ([]Entry, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read split csv header")
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idCol, ok := columns[columnID]
	if !ok {
		return nil, errors.Errorf("split csv has no %q column", columnID)
	}
	labelCol, ok := columns[columnLabel]
	if !ok {
		return nil, errors.Errorf("split csv has no %q column", columnLabel)
	}
	attrCols := make([]int, len(attrs))
	for i, name := range attrs {
		col, ok := columns[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, errors.Errorf("split csv has no attribute column %q", name)
		}
		attrCols[i] = col
	}

	var entries []Entry
	seen := make(map[string]struct{})
	rowIndex := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read split csv row %d", rowIndex)
		}
		if blankRecord(record) {
			continue
		}
		entry, err := entryFromRecord(record, idCol, labelCol, attrs, attrCols, rowIndex)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, errors.Errorf("split csv row %d: duplicate patient id %q", rowIndex, entry.ID)
		}
		seen[entry.ID] = struct{}{}
		entries = append(entries, entry)
		rowIndex++
	}
	return entries, nil
}

func entryFromRecord(record []string, idCol, labelCol int, attrs []string, attrCols []int, index int) (Entry, error) {
	field := func(col int) (string, error) {
		if col >= len(record) {
			return "", errors.Errorf("split csv row %d: missing column %d", index, col)
		}
		return strings.TrimSpace(record[col]), nil
	}

	id, err := field(idCol)
	if err != nil {
		return Entry{}, err
	}
	if id == "" {
		return Entry{}, errors.Errorf("split csv row %d: empty patient id", index)
	}
	rawLabel, err := field(labelCol)
	if err != nil {
		return Entry{}, err
	}
	label, err := strconv.Atoi(rawLabel)
	if err != nil || (label != int(model.LabelHealthy) && label != int(model.LabelSick)) {
		return Entry{}, errors.Errorf("split csv row %d: invalid label %q", index, rawLabel)
	}

	entry := Entry{ID: id, Label: model.Label(label), Attributes: make(map[string]float64, len(attrs))}
	for i, name := range attrs {
		raw, err := field(attrCols[i])
		if err != nil {
			return Entry{}, err
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Entry{}, errors.Wrapf(err, "parse split csv row %d attribute %q", index, name)
		}
		entry.Attributes[name] = value
	}
	return entry, nil
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
