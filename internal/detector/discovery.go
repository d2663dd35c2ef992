package detector

import (
	"fmt"
	"sort"
	"strings"
)

// Mapping records which output tensor (by position in Backend.Outputs) holds
// each detection field.
type Mapping struct {
	Boxes   int `json:"boxes"`
	Classes int `json:"classes"`
	Scores  int `json:"scores"`
}

// DiscoveryStrategy assigns output tensor roles. Implementations return an
// error wrapping ErrUnrecognizedOutputs instead of guessing.
type DiscoveryStrategy interface {
	Discover(outputs []TensorInfo) (Mapping, error)
}

// DiscoveryFunc adapts a function to DiscoveryStrategy.
type DiscoveryFunc func(outputs []TensorInfo) (Mapping, error)

func (f DiscoveryFunc) Discover(outputs []TensorInfo) (Mapping, error) {
	return f(outputs)
}

// DefaultDiscovery finds boxes by shape (rank 3, last dim 4), then classes and
// scores by name, then assigns leftover rank-2 outputs in index order to
// classes and scores.
var DefaultDiscovery DiscoveryStrategy = DiscoveryFunc(discoverByNameThenShape)

func discoverByNameThenShape(outputs []TensorInfo) (Mapping, error) {
	m := Mapping{Boxes: -1, Classes: -1, Scores: -1}

	for i, out := range outputs {
		if out.Rank() == 3 && out.Shape[2] == 4 {
			m.Boxes = i
			break
		}
	}
	if m.Boxes < 0 {
		return m, fmt.Errorf("%w: no rank-3 output with last dimension 4 among %v", ErrUnrecognizedOutputs, outputs)
	}

	var leftover []int
	for i, out := range outputs {
		if i == m.Boxes || out.Rank() != 2 {
			continue
		}
		name := strings.ToLower(out.Name)
		switch {
		case m.Scores < 0 && strings.Contains(name, "score"):
			m.Scores = i
		case m.Classes < 0 && strings.Contains(name, "class"):
			m.Classes = i
		default:
			leftover = append(leftover, i)
		}
	}

	sort.Slice(leftover, func(a, b int) bool {
		return outputs[leftover[a]].Index < outputs[leftover[b]].Index
	})
	for _, i := range leftover {
		if m.Classes < 0 {
			m.Classes = i
		} else if m.Scores < 0 {
			m.Scores = i
		}
	}

	if m.Classes < 0 || m.Scores < 0 {
		return m, fmt.Errorf("%w: need two rank-2 outputs for classes and scores, got %v", ErrUnrecognizedOutputs, outputs)
	}
	if err := validateMapping(outputs, m); err != nil {
		return m, err
	}
	return m, nil
}

// validateMapping rejects mappings whose static detection counts disagree.
func validateMapping(outputs []TensorInfo, m Mapping) error {
	boxes := outputs[m.Boxes].Shape[1]
	classes := outputs[m.Classes].Shape[1]
	scores := outputs[m.Scores].Shape[1]

	for _, pair := range [][2]int64{{boxes, classes}, {boxes, scores}, {classes, scores}} {
		if pair[0] > 0 && pair[1] > 0 && pair[0] != pair[1] {
			return fmt.Errorf("%w: detection counts disagree (boxes=%d classes=%d scores=%d)",
				ErrUnrecognizedOutputs, boxes, classes, scores)
		}
	}
	if t := outputs[m.Scores].Type; t != ElementFloat32 && t != ElementUint8 {
		return fmt.Errorf("%w: scores tensor has unsupported type %s", ErrUnrecognizedOutputs, t)
	}
	if t := outputs[m.Boxes].Type; t != ElementFloat32 && t != ElementUint8 {
		return fmt.Errorf("%w: boxes tensor has unsupported type %s", ErrUnrecognizedOutputs, t)
	}
	if outputs[m.Classes].Type == ElementUnknown {
		return fmt.Errorf("%w: classes tensor has unsupported type", ErrUnrecognizedOutputs)
	}
	return nil
}
