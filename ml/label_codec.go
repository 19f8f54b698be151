package ml

import (
	"errors"
	"slices"
)

// LabelCodec maps crop names to class ids. Ids are assigned in sorted
// lexicographic order of the distinct training labels, so the same dataset
// always yields the same mapping.
type LabelCodec struct {
	labels []string
	ids    map[string]int
}

type labelCodecState struct {
	Labels []string `json:"labels"`
}

func FitLabelCodec(labels []string) (*LabelCodec, error) {
	if len(labels) == 0 {
		return nil, errors.New("no labels to encode")
	}
	distinct := slices.Clone(labels)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)
	return newLabelCodec(distinct)
}

func newLabelCodec(sorted []string) (*LabelCodec, error) {
	ids := make(map[string]int, len(sorted))
	for i, label := range sorted {
		if label == "" {
			return nil, errors.New("empty label")
		}
		if _, dup := ids[label]; dup {
			return nil, errors.New("duplicate label " + label)
		}
		ids[label] = i
	}
	return &LabelCodec{labels: sorted, ids: ids}, nil
}

func (c *LabelCodec) Encode(label string) (int, error) {
	id, ok := c.ids[label]
	if !ok {
		return 0, &UnknownLabelError{Label: label}
	}
	return id, nil
}

func (c *LabelCodec) EncodeAll(labels []string) ([]int, error) {
	ids := make([]int, len(labels))
	for i, label := range labels {
		id, err := c.Encode(label)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (c *LabelCodec) Decode(id int) (string, error) {
	if id < 0 || id >= len(c.labels) {
		return "", &UnknownIDError{ID: id, Classes: len(c.labels)}
	}
	return c.labels[id], nil
}

func (c *LabelCodec) Len() int {
	return len(c.labels)
}

// Labels returns the labels indexed by class id.
func (c *LabelCodec) Labels() []string {
	return slices.Clone(c.labels)
}

func (c *LabelCodec) Save(path string) error {
	return writeJSON(path, labelCodecState{Labels: c.labels})
}

func LoadLabelCodec(path string) (*LabelCodec, error) {
	var state labelCodecState
	if err := readJSON(path, &state); err != nil {
		return nil, &ConfigurationError{Op: "load label codec", Err: err}
	}
	if len(state.Labels) == 0 {
		return nil, configErr("load label codec", "no labels in %s", path)
	}
	if !slices.IsSorted(state.Labels) {
		return nil, configErr("load label codec", "labels in %s are not in codec order", path)
	}
	codec, err := newLabelCodec(state.Labels)
	if err != nil {
		return nil, &ConfigurationError{Op: "load label codec", Err: err}
	}
	return codec, nil
}
