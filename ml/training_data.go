package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// Dataset is a labelled feature matrix in FeatureNames column order.
type Dataset struct {
	Features [][]float64
	Labels   []string
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Sample returns row i as a Sample.
func (d *Dataset) Sample(i int) Sample {
	f := d.Features[i]
	return Sample{
		Nitrogen:    f[0],
		Phosphorus:  f[1],
		Potassium:   f[2],
		Temperature: f[3],
		Humidity:    f[4],
		PH:          f[5],
		Rainfall:    f[6],
		Label:       d.Labels[i],
	}
}

// DatasetError points at the offending row of a training file.
type DatasetError struct {
	Line   int
	Column string
	Err    error
}

func (e *DatasetError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d, column %s: %v", e.Line, e.Column, e.Err)
}

func (e *DatasetError) Unwrap() error { return e.Err }

func LoadDataset(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadDataset(file)
}

// ReadDataset parses CSV with a header row. Feature columns are located by
// name, so column order in the file does not matter; unknown columns are
// ignored.
func ReadDataset(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("dataset is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	featureCols := make([]int, NumFeatures)
	for i, name := range featureNames {
		col, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("header is missing feature column %q", name)
		}
		featureCols[i] = col
	}
	labelCol, ok := columns[LabelColumn]
	if !ok {
		return nil, fmt.Errorf("header is missing %q column", LabelColumn)
	}

	dataset := &Dataset{}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, &DatasetError{Line: line, Err: err}
		}
		row := make([]float64, NumFeatures)
		for i, col := range featureCols {
			value, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
			if err != nil {
				return nil, &DatasetError{Line: line, Column: featureNames[i], Err: err}
			}
			row[i] = value
		}
		label := strings.TrimSpace(record[labelCol])
		if label == "" {
			return nil, &DatasetError{Line: line, Column: LabelColumn, Err: errors.New("empty label")}
		}
		dataset.Features = append(dataset.Features, row)
		dataset.Labels = append(dataset.Labels, label)
	}
	if dataset.Len() == 0 {
		return nil, errors.New("dataset has no rows")
	}
	return dataset, nil
}

// SplitDataset shuffles indices with a seeded source and holds out testRatio
// of them. At least one sample always stays in the training split.
func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio < 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	if split < 1 {
		split = 1
	}
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}
