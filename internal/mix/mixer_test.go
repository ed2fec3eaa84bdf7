package mix

import (
	"strings"
	"testing"
)

func TestBuild_NoInputs(t *testing.T) {
	g := Build(nil)
	if !g.Empty() {
		t.Errorf("Expected empty graph, got %+v", g)
	}
}

func TestBuild_SingleInputMapsDirectly(t *testing.T) {
	g := Build([]Input{{Name: "mic", Stream: "1:a"}})

	if g.Filter != "" {
		t.Errorf("Expected no filter for single input, got %q", g.Filter)
	}
	if g.Map != "1:a" {
		t.Errorf("Expected map '1:a', got %q", g.Map)
	}
}

func TestBuild_SingleInputWithGain(t *testing.T) {
	g := Build([]Input{{Name: "mic", Stream: "1:a", Volume: 2}})

	expected := "[1:a]volume=2.0,aformat=channel_layouts=stereo[aout]"
	if g.Filter != expected {
		t.Errorf("Expected filter %q, got %q", expected, g.Filter)
	}
	if g.Map != OutputLabel {
		t.Errorf("Expected map %q, got %q", OutputLabel, g.Map)
	}
}

func TestBuild_SumsMultipleInputs(t *testing.T) {
	g := Build([]Input{
		{Name: "system", Stream: "1:a"},
		{Name: "mic", Stream: "2:a", Volume: 1.5},
	})

	if g.Inputs != 2 {
		t.Errorf("Expected 2 inputs, got %d", g.Inputs)
	}
	if !strings.Contains(g.Filter, "[1:a]volume=1.0,aformat=channel_layouts=stereo[a0]") {
		t.Errorf("Missing first input chain: %s", g.Filter)
	}
	if !strings.Contains(g.Filter, "[2:a]volume=1.5,aformat=channel_layouts=stereo[a1]") {
		t.Errorf("Missing second input chain: %s", g.Filter)
	}
	// Summed, not concatenated
	if !strings.Contains(g.Filter, "[a0][a1]amix=inputs=2") || strings.Contains(g.Filter, "concat") {
		t.Errorf("Expected amix of both inputs, got: %s", g.Filter)
	}
	if !strings.Contains(g.Filter, "normalize=0") {
		t.Errorf("Expected normalize=0 to keep levels, got: %s", g.Filter)
	}
	if !strings.HasSuffix(g.Filter, OutputLabel) {
		t.Errorf("Expected filter to end with %s, got: %s", OutputLabel, g.Filter)
	}
}
