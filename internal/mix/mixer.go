package mix

import (
	"fmt"
	"strings"
)

// Input is one audio stream of the encoder command line, e.g. "1:a".
type Input struct {
	Name   string
	Stream string
	Volume float64 // 0 means unity gain
}

// Graph is the audio part of an ffmpeg command: an optional filter_complex
// fragment and the stream specifier to map into the output.
type Graph struct {
	Filter string
	Map    string
	Inputs int
}

// Empty reports whether the graph carries no audio at all.
func (g Graph) Empty() bool {
	return g.Map == ""
}

const OutputLabel = "[aout]"

// Build sums every input into one stereo stream. A single input at unity gain
// is mapped directly without a filter.
func Build(inputs []Input) Graph {
	if len(inputs) == 0 {
		return Graph{}
	}

	if len(inputs) == 1 && (inputs[0].Volume == 0 || inputs[0].Volume == 1) {
		return Graph{Map: inputs[0].Stream, Inputs: 1}
	}

	var filterParts []string
	var mixInputs []string

	for i, in := range inputs {
		volume := in.Volume
		if volume == 0 {
			volume = 1
		}
		label := fmt.Sprintf("[a%d]", i)
		filterParts = append(filterParts,
			fmt.Sprintf("[%s]volume=%.1f,aformat=channel_layouts=stereo%s", in.Stream, volume, label))
		mixInputs = append(mixInputs, label)
	}

	if len(mixInputs) == 1 {
		// Single track with a gain: drop the intermediate label
		filter := strings.TrimSuffix(filterParts[0], mixInputs[0]) + OutputLabel
		return Graph{Filter: filter, Map: OutputLabel, Inputs: 1}
	}

	filterParts = append(filterParts, fmt.Sprintf("%samix=inputs=%d:duration=longest:dropout_transition=0:normalize=0%s",
		strings.Join(mixInputs, ""), len(mixInputs), OutputLabel))

	return Graph{
		Filter: strings.Join(filterParts, ";"),
		Map:    OutputLabel,
		Inputs: len(inputs),
	}
}
