package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/screencap/internal/errors"
)

// PulseSource is one entry of `pactl --format json list sources`.
type PulseSource struct {
	Index               int                    `json:"index"`
	State               string                 `json:"state"`
	Name                string                 `json:"name"`
	Description         string                 `json:"description"`
	Driver              string                 `json:"driver"`
	SampleSpecification string                 `json:"sample_specification"`
	ChannelMap          string                 `json:"channel_map"`
	Mute                bool                   `json:"mute"`
	MonitorOfSink       string                 `json:"monitor_of_sink"`
	Properties          map[string]interface{} `json:"properties"`
}

// IsMonitor reports whether the source records a sink's output.
func (s PulseSource) IsMonitor() bool {
	return (s.MonitorOfSink != "" && s.MonitorOfSink != "n/a") || strings.HasSuffix(s.Name, ".monitor")
}

// Pulse opens microphones and sink monitors through PulseAudio or PipeWire's
// pulse server.
type Pulse struct {
	Device string
	logger *slog.Logger
}

func NewPulse(device string, logger *slog.Logger) *Pulse {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pulse{Device: device, logger: logger.With("component", "pulse")}
}

// Sources lists every pulse source, microphones and monitors alike.
func (p *Pulse) Sources(ctx context.Context) ([]PulseSource, error) {
	if _, err := exec.LookPath("pactl"); err != nil {
		return nil, errors.Wrap(errors.KindPlatformUnavailable, "pactl", err)
	}

	cmd := exec.CommandContext(ctx, "pactl", "--format", "json", "list", "sources")
	var b, e bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &e
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrap(errors.KindPermissionDenied, "pactl",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(e.String())))
	}

	return parseSources(b.Bytes())
}

func parseSources(data []byte) ([]PulseSource, error) {
	var sources []PulseSource
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("failed to parse pactl output: %w", err)
	}
	return sources, nil
}

// Microphones returns the sources that are not sink monitors.
func (p *Pulse) Microphones(ctx context.Context) ([]PulseSource, error) {
	sources, err := p.Sources(ctx)
	if err != nil {
		return nil, err
	}
	var mics []PulseSource
	for _, s := range sources {
		if !s.IsMonitor() {
			mics = append(mics, s)
		}
	}
	return mics, nil
}

// OpenMicrophone opens the configured device, or the default source when none is set.
func (p *Pulse) OpenMicrophone(ctx context.Context) (*MediaStream, error) {
	sources, err := p.Sources(ctx)
	if err != nil {
		return nil, err
	}

	device := p.Device
	label := "default microphone"
	if device == "" {
		if !hasMicrophone(sources) {
			return nil, errors.Newf(errors.KindCaptureFailed, "microphone", "no microphone source found")
		}
		device = "default"
	} else {
		if err := validateSource(device, sources); err != nil {
			return nil, errors.Wrap(errors.KindCaptureFailed, "microphone", err)
		}
		label = describe(device, sources)
	}

	stream := NewMediaStream(SourceMicrophone, Target{ID: device, Kind: SourceMicrophone, Label: label}, []Input{pulseInput(device)}, nil)
	stream.AddTrack(TrackAudio, label, 0)

	p.logger.Debug("Opened microphone", "device", device)
	return stream, nil
}

// MonitorInput returns the input for a sink monitor source carried with a video stream.
func (p *Pulse) MonitorInput(ctx context.Context, name string) (Input, error) {
	sources, err := p.Sources(ctx)
	if err != nil {
		return Input{}, err
	}
	if err := validateSource(name, sources); err != nil {
		return Input{}, err
	}
	return pulseInput(name), nil
}

func pulseInput(device string) Input {
	return Input{
		Options: []string{"-f", "pulse", "-thread_queue_size", "1024"},
		URL:     device,
	}
}

func hasMicrophone(sources []PulseSource) bool {
	for _, s := range sources {
		if !s.IsMonitor() {
			return true
		}
	}
	return false
}

func describe(name string, sources []PulseSource) string {
	for _, s := range sources {
		if s.Name == name && s.Description != "" {
			return s.Description
		}
	}
	return name
}

// validateSource checks that name exists exactly once
func validateSource(name string, sources []PulseSource) error {
	duplicates := findSourceDuplicates(name, sources)
	if len(duplicates) == 0 {
		return fmt.Errorf("source not found: %s", name)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %d entries. Please close conflicting applications", name, len(duplicates))
	}
	return nil
}

func findSourceDuplicates(name string, sources []PulseSource) []PulseSource {
	var duplicates []PulseSource
	for _, s := range sources {
		if s.Name == name {
			duplicates = append(duplicates, s)
		}
	}
	return duplicates
}
