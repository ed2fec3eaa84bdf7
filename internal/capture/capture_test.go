package capture

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/screencap/internal/errors"
)

type fakePlatform struct {
	targets    []Target
	targetsErr error
	videoErr   error
	micErr     error
	micNoAudio bool
	withSystem bool

	opened   []*MediaStream
	releases map[string]int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		targets:  []Target{{ID: "eDP-1", Kind: SourceScreen, Label: "eDP-1", Width: 1920, Height: 1080}},
		releases: map[string]int{},
	}
}

func (f *fakePlatform) Targets(_ context.Context, _ []SourceKind) ([]Target, error) {
	return f.targets, f.targetsErr
}

func (f *fakePlatform) stream(kind SourceKind, name string) *MediaStream {
	s := NewMediaStream(kind, Target{ID: name, Kind: kind, Label: name}, []Input{{URL: name}}, func() error {
		f.releases[name]++
		return nil
	})
	f.opened = append(f.opened, s)
	return s
}

func (f *fakePlatform) OpenVideo(_ context.Context, t Target, _ VideoConstraints) (*MediaStream, error) {
	if f.videoErr != nil {
		return nil, f.videoErr
	}
	s := f.stream(t.Kind, "video")
	s.AddTrack(TrackVideo, t.Label, 0)
	if f.withSystem {
		s.AddTrack(TrackAudio, "system audio", s.AddInput(Input{URL: "monitor"}))
	}
	return s, nil
}

func (f *fakePlatform) OpenMicrophone(_ context.Context) (*MediaStream, error) {
	if f.micErr != nil {
		return nil, f.micErr
	}
	s := f.stream(SourceMicrophone, "mic")
	if !f.micNoAudio {
		s.AddTrack(TrackAudio, "mic", 0)
	}
	return s, nil
}

type cancelPicker struct{}

func (cancelPicker) Pick(context.Context, []Target) (Target, error) {
	return Target{}, errors.ErrUserCancelled
}

func TestResolve_VideoAndMicrophoneAreMixed(t *testing.T) {
	p := newFakePlatform()
	p.withSystem = true
	n := NewNegotiator(p, FirstPicker{}, nil)

	mixed, err := n.Resolve(context.Background(), Request{Microphone: true})
	require.NoError(t, err)

	require.Len(t, mixed.Video, 1)
	require.Len(t, mixed.Audio, 2)
	require.Len(t, mixed.Inputs(), 3)
	require.Equal(t, "0:v", mixed.Video[0].Stream())
	require.Equal(t, "1:a", mixed.Audio[0].Stream())
	require.Equal(t, "2:a", mixed.Audio[1].Stream())

	graph := mixed.AudioGraph()
	require.Contains(t, graph.Filter, "amix=inputs=2")

	require.NoError(t, mixed.Release())
	require.NoError(t, mixed.Release())
	require.Equal(t, 1, p.releases["video"])
	require.Equal(t, 1, p.releases["mic"])
}

func TestResolve_MicrophoneFailureDegradesToVideoOnly(t *testing.T) {
	p := newFakePlatform()
	p.micErr = errors.Newf(errors.KindPermissionDenied, "microphone", "denied")
	n := NewNegotiator(p, FirstPicker{}, nil)

	mixed, err := n.Resolve(context.Background(), Request{Microphone: true})
	require.NoError(t, err)
	require.Len(t, mixed.Video, 1)
	require.Empty(t, mixed.Audio)
	require.True(t, mixed.AudioGraph().Empty())
}

func TestResolve_MicrophoneRequiredIsFatal(t *testing.T) {
	p := newFakePlatform()
	p.micErr = fmt.Errorf("no such device")
	n := NewNegotiator(p, FirstPicker{}, nil)

	_, err := n.Resolve(context.Background(), Request{Microphone: true, MicrophoneRequired: true})
	require.ErrorIs(t, err, errors.ErrCaptureFailed)
	require.Equal(t, 1, p.releases["video"], "video must be released on failure")
}

func TestResolve_MicrophoneWithoutAudioTracksIsReleased(t *testing.T) {
	p := newFakePlatform()
	p.micNoAudio = true
	n := NewNegotiator(p, FirstPicker{}, nil)

	mixed, err := n.Resolve(context.Background(), Request{Microphone: true})
	require.NoError(t, err)
	require.Empty(t, mixed.Audio)
	require.Len(t, mixed.Handles(), 1)
	require.Equal(t, 1, p.releases["mic"])
}

func TestResolve_VideoOnlyPassesThroughSystemAudio(t *testing.T) {
	p := newFakePlatform()
	p.withSystem = true
	n := NewNegotiator(p, FirstPicker{}, nil)

	mixed, err := n.Resolve(context.Background(), Request{})
	require.NoError(t, err)

	graph := mixed.AudioGraph()
	require.Empty(t, graph.Filter)
	require.Equal(t, "1:a", graph.Map)
}

func TestResolve_ErrorKinds(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakePlatform) Picker
		want  error
	}{
		{
			name: "user cancels",
			setup: func(p *fakePlatform) Picker {
				return cancelPicker{}
			},
			want: errors.ErrUserCancelled,
		},
		{
			name: "platform refuses",
			setup: func(p *fakePlatform) Picker {
				p.targetsErr = errors.Newf(errors.KindPermissionDenied, "x11", "no access")
				return FirstPicker{}
			},
			want: errors.ErrPermissionDenied,
		},
		{
			name: "platform missing",
			setup: func(p *fakePlatform) Picker {
				p.targetsErr = fmt.Errorf("DISPLAY is not set")
				return FirstPicker{}
			},
			want: errors.ErrPlatformUnavailable,
		},
		{
			name: "target cannot be opened",
			setup: func(p *fakePlatform) Picker {
				p.videoErr = fmt.Errorf("BadWindow")
				return FirstPicker{}
			},
			want: errors.ErrCaptureFailed,
		},
		{
			name: "no targets",
			setup: func(p *fakePlatform) Picker {
				p.targets = nil
				return FirstPicker{}
			},
			want: errors.ErrCaptureFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePlatform()
			picker := tt.setup(p)
			n := NewNegotiator(p, picker, nil)

			_, err := n.Resolve(context.Background(), Request{Microphone: true})
			require.ErrorIs(t, err, tt.want)
			for name, count := range p.releases {
				require.Equal(t, 1, count, "stream %s released %d times", name, count)
			}
			for _, s := range p.opened {
				require.True(t, s.Released())
			}
		})
	}
}

func TestMediaStream_ReleasedRefusesInputs(t *testing.T) {
	calls := 0
	s := NewMediaStream(SourceScreen, Target{}, []Input{{URL: ":0.0"}}, func() error {
		calls++
		return fmt.Errorf("boom")
	})
	track := s.AddTrack(TrackVideo, "screen", 0)
	require.True(t, track.Live())

	require.EqualError(t, s.Release(), "boom")
	require.EqualError(t, s.Release(), "boom")
	require.Equal(t, 1, calls)
	require.False(t, track.Live())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after release")
	}

	_, err := s.Inputs()
	require.ErrorIs(t, err, ErrStreamReleased)

	_, err = Compose(s)
	require.Error(t, err)
}

func TestCompose_RejectsTwoStdinInputs(t *testing.T) {
	a := NewMediaStream(SourceTab, Target{}, []Input{{Reader: strings.NewReader("")}}, nil)
	b := NewMediaStream(SourceTab, Target{}, []Input{{Reader: strings.NewReader("")}}, nil)

	_, err := Compose(a, b)
	require.ErrorIs(t, err, errors.ErrCaptureFailed)
}

func TestInputArgs(t *testing.T) {
	in := Input{Options: []string{"-f", "pulse"}, URL: "default"}
	require.Equal(t, []string{"-f", "pulse", "-i", "default"}, in.Args())

	piped := Input{Options: []string{"-f", "image2pipe"}, Reader: strings.NewReader("")}
	require.Equal(t, []string{"-f", "image2pipe", "-i", "pipe:0"}, piped.Args())
}

func TestPromptPicker(t *testing.T) {
	targets := []Target{
		{ID: "eDP-1", Kind: SourceScreen, Label: "eDP-1"},
		{ID: "0x01", Kind: SourceWindow, Label: "Terminal"},
	}

	var out strings.Builder
	p := &PromptPicker{In: strings.NewReader("2\n"), Out: &out}
	got, err := p.Pick(context.Background(), targets)
	require.NoError(t, err)
	require.Equal(t, "0x01", got.ID)
	require.Contains(t, out.String(), "1) [screen] eDP-1")

	for _, answer := range []string{"\n", "q\n", "", "7\n"} {
		p := &PromptPicker{In: strings.NewReader(answer), Out: io.Discard}
		_, err := p.Pick(context.Background(), targets)
		require.ErrorIs(t, err, errors.ErrUserCancelled, "answer %q", answer)
	}
}

func TestPromptPicker_ContextCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &PromptPicker{In: pr, Out: io.Discard}
	_, err := p.Pick(ctx, []Target{{ID: "a"}})
	require.ErrorIs(t, err, errors.ErrUserCancelled)
}

func TestFixedPicker(t *testing.T) {
	targets := []Target{
		{ID: "eDP-1", Kind: SourceScreen, Label: "eDP-1"},
		{ID: "0x01", Kind: SourceWindow, Label: "Terminal - bash"},
		{ID: "ABC", Kind: SourceTab, Label: "Docs"},
	}

	got, err := (&FixedPicker{ID: "ABC"}).Pick(context.Background(), targets)
	require.NoError(t, err)
	require.Equal(t, SourceTab, got.Kind)

	got, err = (&FixedPicker{Label: "terminal"}).Pick(context.Background(), targets)
	require.NoError(t, err)
	require.Equal(t, "0x01", got.ID)

	got, err = (&FixedPicker{Kind: SourceWindow}).Pick(context.Background(), targets)
	require.NoError(t, err)
	require.Equal(t, "0x01", got.ID)

	_, err = (&FixedPicker{ID: "missing"}).Pick(context.Background(), targets)
	require.ErrorIs(t, err, errors.ErrUserCancelled)
}

func TestResolve_PreselectedTarget(t *testing.T) {
	p := newFakePlatform()
	p.targets = append(p.targets,
		Target{ID: "0x03a00007", Kind: SourceWindow, Label: "Terminal - bash"},
		Target{ID: "0x04200001", Kind: SourceWindow, Label: "Docs"},
	)
	n := NewNegotiator(p, cancelPicker{}, nil)

	mixed, err := n.Resolve(context.Background(), Request{Target: "0x04200001"})
	require.NoError(t, err)
	require.Equal(t, "Docs", mixed.Video[0].Label)

	mixed, err = n.Resolve(context.Background(), Request{Target: "terminal"})
	require.NoError(t, err)
	require.Equal(t, "Terminal - bash", mixed.Video[0].Label)

	_, err = n.Resolve(context.Background(), Request{Target: "nothing"})
	require.ErrorIs(t, err, errors.ErrUserCancelled)
}
