package capture

import (
	"fmt"
	"io"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"

	"github.com/audiolibrelab/screencap/internal/errors"
	"github.com/audiolibrelab/screencap/internal/mix"
)

// SourceKind identifies what a stream captures
type SourceKind string

const (
	SourceScreen     SourceKind = "screen"
	SourceWindow     SourceKind = "window"
	SourceTab        SourceKind = "tab"
	SourceMicrophone SourceKind = "microphone"
)

// VideoKinds lists every selectable video source in picker order.
var VideoKinds = []SourceKind{SourceScreen, SourceWindow, SourceTab}

// ParseSourceKind accepts the user-facing source names.
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case SourceScreen, SourceWindow, SourceTab:
		return SourceKind(s), nil
	default:
		return "", fmt.Errorf("invalid source '%s' (must be 'screen', 'window' or 'tab')", s)
	}
}

type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// VideoConstraints caps the captured resolution and frame rate. Zero means no cap.
type VideoConstraints struct {
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	MaxFrameRate int `json:"max_frame_rate"`
}

// Request describes what to capture.
type Request struct {
	Sources            []SourceKind
	Target             string // id or label chosen up front, empty asks the picker
	Microphone         bool
	MicrophoneRequired bool
	Video              VideoConstraints
}

// Target is something the user can choose to capture.
type Target struct {
	ID          string     `json:"id"`
	Kind        SourceKind `json:"kind"`
	Label       string     `json:"label"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	X           int        `json:"x,omitempty"`
	Y           int        `json:"y,omitempty"`
	Display     string     `json:"display,omitempty"`
	URL         string     `json:"url,omitempty"`
	SystemAudio string     `json:"system_audio,omitempty"`
}

func (t Target) String() string {
	if t.Width > 0 && t.Height > 0 {
		return fmt.Sprintf("[%s] %s (%dx%d)", t.Kind, t.Label, t.Width, t.Height)
	}
	return fmt.Sprintf("[%s] %s", t.Kind, t.Label)
}

// Input is one ffmpeg input: demuxer options followed by -i URL.
// A non-nil Reader is fed to ffmpeg through stdin.
type Input struct {
	Options []string
	URL     string
	Reader  io.Reader
}

// Args returns the command line arguments for the input.
func (in Input) Args() []string {
	args := append([]string{}, in.Options...)
	url := in.URL
	if in.Reader != nil {
		url = "pipe:0"
	}
	return append(args, "-i", url)
}

// Track is one video or audio track of a MediaStream.
type Track struct {
	Kind  TrackKind
	Label string

	input  int
	stream *MediaStream
}

// Live reports whether the owning stream has not been released.
func (t *Track) Live() bool {
	return !t.stream.released.IsBroken()
}

// Source returns the kind of the owning stream.
func (t *Track) Source() SourceKind {
	return t.stream.Source
}

// MediaStream is a live capture handle. Release stops it exactly once.
type MediaStream struct {
	ID     string
	Source SourceKind
	Target Target
	Tracks []*Track

	inputs   []Input
	release  func() error
	released core.Fuse

	mu         sync.Mutex
	releaseErr error
}

func NewMediaStream(source SourceKind, target Target, inputs []Input, release func() error) *MediaStream {
	return &MediaStream{
		ID:      uuid.NewString(),
		Source:  source,
		Target:  target,
		inputs:  inputs,
		release: release,
	}
}

// AddTrack registers a track fed by the stream's input at index input.
func (s *MediaStream) AddTrack(kind TrackKind, label string, input int) *Track {
	t := &Track{Kind: kind, Label: label, input: input, stream: s}
	s.Tracks = append(s.Tracks, t)
	return t
}

// AddInput appends an input and returns its index.
func (s *MediaStream) AddInput(in Input) int {
	s.inputs = append(s.inputs, in)
	return len(s.inputs) - 1
}

// Inputs returns the ffmpeg inputs backing the stream.
func (s *MediaStream) Inputs() ([]Input, error) {
	if s.released.IsBroken() {
		return nil, errors.Wrap(errors.KindCaptureFailed, string(s.Source), ErrStreamReleased)
	}
	return s.inputs, nil
}

func (s *MediaStream) VideoTracks() []*Track {
	return s.tracks(TrackVideo)
}

func (s *MediaStream) AudioTracks() []*Track {
	return s.tracks(TrackAudio)
}

func (s *MediaStream) tracks(kind TrackKind) []*Track {
	var out []*Track
	for _, t := range s.Tracks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Release stops every track. Only the first call does any work; later calls
// return the first call's error.
func (s *MediaStream) Release() error {
	s.released.Once(func() {
		if s.release == nil {
			return
		}
		err := s.release()
		s.mu.Lock()
		s.releaseErr = err
		s.mu.Unlock()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseErr
}

// Released reports whether Release has been called.
func (s *MediaStream) Released() bool {
	return s.released.IsBroken()
}

// Done is closed once the stream is released.
func (s *MediaStream) Done() <-chan struct{} {
	return s.released.Watch()
}

var ErrStreamReleased = errors.New("stream already released")

// Bound is a track together with its input index on the combined command line.
type Bound struct {
	*Track
	Input int
}

// Stream returns the ffmpeg stream specifier of the track, e.g. "0:v" or "2:a".
func (b Bound) Stream() string {
	if b.Kind == TrackVideo {
		return fmt.Sprintf("%d:v", b.Input)
	}
	return fmt.Sprintf("%d:a", b.Input)
}

// MixedStream combines one video stream with any number of audio sources.
// It owns no resources of its own; releasing its handles suffices.
type MixedStream struct {
	Video []Bound
	Audio []Bound

	inputs  []Input
	handles []*MediaStream
}

// Compose lays out the inputs of every stream on one command line. Video track
// order is preserved and audio tracks are collected for mixing.
func Compose(streams ...*MediaStream) (*MixedStream, error) {
	m := &MixedStream{}
	for _, s := range streams {
		if s == nil {
			continue
		}
		inputs, err := s.Inputs()
		if err != nil {
			return nil, err
		}
		offset := len(m.inputs)
		m.inputs = append(m.inputs, inputs...)
		m.handles = append(m.handles, s)

		for _, t := range s.Tracks {
			b := Bound{Track: t, Input: offset + t.input}
			switch t.Kind {
			case TrackVideo:
				m.Video = append(m.Video, b)
			case TrackAudio:
				m.Audio = append(m.Audio, b)
			}
		}
	}

	stdin := 0
	for _, in := range m.inputs {
		if in.Reader != nil {
			stdin++
		}
	}
	if stdin > 1 {
		return nil, errors.Newf(errors.KindCaptureFailed, "compose", "%d inputs need stdin", stdin)
	}

	return m, nil
}

// Inputs returns the combined ffmpeg inputs in command line order.
func (m *MixedStream) Inputs() []Input {
	return m.inputs
}

// Stdin returns the reader of the pipe-backed input, if any.
func (m *MixedStream) Stdin() io.Reader {
	for _, in := range m.inputs {
		if in.Reader != nil {
			return in.Reader
		}
	}
	return nil
}

// Handles returns the constituent capture handles.
func (m *MixedStream) Handles() []*MediaStream {
	return m.handles
}

// AudioGraph returns the summing graph for every audio track.
func (m *MixedStream) AudioGraph() mix.Graph {
	inputs := make([]mix.Input, 0, len(m.Audio))
	for _, b := range m.Audio {
		inputs = append(inputs, mix.Input{Name: b.Label, Stream: b.Stream()})
	}
	return mix.Build(inputs)
}

// Release releases every handle, continuing past failures.
func (m *MixedStream) Release() error {
	var errs []error
	for _, h := range m.handles {
		if err := h.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s stream: %w", h.Source, err))
		}
	}
	return errors.Join(errs...)
}

// ReleaseAll releases every non-nil stream, continuing past failures.
func ReleaseAll(streams ...*MediaStream) error {
	var errs []error
	for _, s := range streams {
		if s == nil {
			continue
		}
		if err := s.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
