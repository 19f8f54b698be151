package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"croprec/ml"
)

// MoistureColumn is the column added by augmentation.
const MoistureColumn = "moisture"

// MoistureRange is a half-open soil moisture interval in percent.
type MoistureRange struct {
	Low, High float64
}

// DefaultMoistureRange applies to crops missing from MoistureRanges.
var DefaultMoistureRange = MoistureRange{30, 50}

// MoistureRanges 各作物典型土壤湿度
var MoistureRanges = map[string]MoistureRange{
	"rice":        {60, 80},
	"maize":       {40, 60},
	"chickpea":    {30, 50},
	"kidneybeans": {40, 60},
	"pigeonpeas":  {30, 50},
	"mothbeans":   {25, 45},
	"mungbean":    {30, 50},
	"blackgram":   {30, 50},
	"lentil":      {30, 50},
	"pomegranate": {20, 40},
	"banana":      {50, 70},
	"mango":       {30, 50},
	"grapes":      {30, 50},
	"watermelon":  {40, 60},
	"muskmelon":   {40, 60},
	"apple":       {30, 50},
	"orange":      {30, 50},
	"papaya":      {40, 60},
	"coconut":     {60, 80},
	"cotton":      {30, 50},
	"jute":        {60, 80},
	"coffee":      {50, 70},
}

// Augmenter adds a synthetic moisture column to a training CSV.
type Augmenter struct {
	rng    *rand.Rand
	ranges map[string]MoistureRange
}

func NewAugmenter(seed int64) *Augmenter {
	return &Augmenter{
		rng:    rand.New(rand.NewSource(seed)),
		ranges: MoistureRanges,
	}
}

// Moisture draws a value for label, rounded to 2 decimals.
func (a *Augmenter) Moisture(label string) float64 {
	r, ok := a.ranges[strings.ToLower(label)]
	if !ok {
		r = DefaultMoistureRange
	}
	v := r.Low + a.rng.Float64()*(r.High-r.Low)
	return math.Round(v*100) / 100
}

// Augment copies the CSV from r to w with a moisture value appended to each
// row. An existing moisture column is overwritten in place. It returns the
// number of data rows written.
func (a *Augmenter) Augment(r io.Reader, w io.Writer) (int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	writer := csv.NewWriter(w)

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return 0, errors.New("dataset is empty")
	}
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}

	labelCol, moistureCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case ml.LabelColumn:
			labelCol = i
		case MoistureColumn:
			moistureCol = i
		}
	}
	if labelCol < 0 {
		return 0, fmt.Errorf("header is missing %q column", ml.LabelColumn)
	}
	if moistureCol < 0 {
		moistureCol = len(header)
		header = append(header, MoistureColumn)
	}
	if err := writer.Write(header); err != nil {
		return 0, err
	}

	rows := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, &ml.DatasetError{Line: rows + 2, Err: err}
		}
		value := strconv.FormatFloat(a.Moisture(strings.TrimSpace(record[labelCol])), 'f', -1, 64)
		if moistureCol == len(record) {
			record = append(record, value)
		} else {
			record[moistureCol] = value
		}
		if err := writer.Write(record); err != nil {
			return rows, err
		}
		rows++
	}

	writer.Flush()
	return rows, writer.Error()
}

// AugmentFile reads in and writes the augmented dataset to out. out is
// replaced atomically.
func (a *Augmenter) AugmentFile(in, out string) (rows int, err error) {
	src, err := os.Open(in)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".tmp-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if rows, err = a.Augment(src, tmp); err != nil {
		return rows, err
	}
	if err = tmp.Close(); err != nil {
		return rows, err
	}
	if err = os.Rename(tmp.Name(), out); err != nil {
		return rows, err
	}
	return rows, nil
}
