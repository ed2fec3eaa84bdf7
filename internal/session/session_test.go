package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/screencap/internal/capture"
	"github.com/audiolibrelab/screencap/internal/encoder"
	"github.com/audiolibrelab/screencap/internal/errors"
	"github.com/audiolibrelab/screencap/internal/status"
)

// fakePlatform hands out streams whose release calls are counted.
type fakePlatform struct {
	micErr   error
	videoErr error

	videoReleases atomic.Int32
	micReleases   atomic.Int32
}

func (p *fakePlatform) Targets(_ context.Context, _ []capture.SourceKind) ([]capture.Target, error) {
	return []capture.Target{{ID: "eDP-1", Kind: capture.SourceScreen, Label: "eDP-1", Width: 1920, Height: 1080}}, nil
}

func (p *fakePlatform) OpenVideo(_ context.Context, target capture.Target, _ capture.VideoConstraints) (*capture.MediaStream, error) {
	if p.videoErr != nil {
		return nil, p.videoErr
	}
	s := capture.NewMediaStream(capture.SourceScreen, target, []capture.Input{{URL: ":0"}}, func() error {
		p.videoReleases.Add(1)
		return nil
	})
	s.AddTrack(capture.TrackVideo, target.Label, 0)
	return s, nil
}

func (p *fakePlatform) OpenMicrophone(_ context.Context) (*capture.MediaStream, error) {
	if p.micErr != nil {
		return nil, p.micErr
	}
	s := capture.NewMediaStream(capture.SourceMicrophone, capture.Target{ID: "default"}, []capture.Input{{URL: "default"}}, func() error {
		p.micReleases.Add(1)
		return nil
	})
	s.AddTrack(capture.TrackAudio, "mic", 0)
	return s, nil
}

type fixedFormat struct {
	profile encoder.Profile
	err     error
}

func (f fixedFormat) Negotiate(context.Context, []string) (encoder.Profile, error) {
	return f.profile, f.err
}

var webm = encoder.Profile{MimeType: encoder.MimeWebMVP8, Container: encoder.ContainerWebM}

// fakeEncoder emits its chunks, then either waits for Stop or faults.
// stopFault is reported by Err once Stop was called.
type fakeEncoder struct {
	emit      [][]byte
	fault     error
	stopFault error
	startErr  error

	chunks   chan []byte
	stopped  chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (e *fakeEncoder) Start(context.Context) error {
	if e.startErr != nil {
		return e.startErr
	}
	go func() {
		for _, c := range e.emit {
			e.chunks <- c
		}
		if e.fault != nil {
			e.mu.Lock()
			e.err = e.fault
			e.mu.Unlock()
			close(e.chunks)
			return
		}
		<-e.stopped
		if e.stopFault != nil {
			e.mu.Lock()
			e.err = e.stopFault
			e.mu.Unlock()
		}
		close(e.chunks)
	}()
	return nil
}

func (e *fakeEncoder) Chunks() <-chan []byte { return e.chunks }

func (e *fakeEncoder) Stop() error {
	e.stopOnce.Do(func() { close(e.stopped) })
	return nil
}

func (e *fakeEncoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

type fakeFactory struct {
	emit      [][]byte
	fault     error
	stopFault error
	startErr  error

	mu      sync.Mutex
	streams []*capture.MixedStream
}

func (f *fakeFactory) New(stream *capture.MixedStream, _ encoder.Profile) encoder.Encoder {
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	return &fakeEncoder{
		emit:      f.emit,
		fault:     f.fault,
		stopFault: f.stopFault,
		startErr:  f.startErr,
		chunks:    make(chan []byte, len(f.emit)+1),
		stopped:   make(chan struct{}),
	}
}

func (f *fakeFactory) lastStream() *capture.MixedStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

type memorySink struct {
	mu        sync.Mutex
	artifacts []*Artifact
	err       error
}

func (s *memorySink) Save(_ context.Context, a *Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.artifacts = append(s.artifacts, a)
	return "/recordings/" + a.Filename, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []status.Event
}

func (p *recordingPublisher) Publish(e status.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Message)
	}
	return out
}

type harness struct {
	platform *fakePlatform
	factory  *fakeFactory
	sink     *memorySink
	events   *recordingPublisher
	session  *Session
}

func newHarness(t *testing.T, emit [][]byte, opts Options) *harness {
	t.Helper()
	h := &harness{
		platform: &fakePlatform{},
		factory:  &fakeFactory{emit: emit},
		sink:     &memorySink{},
		events:   &recordingPublisher{},
	}
	h.session = New(Components{
		Resolver: capture.NewNegotiator(h.platform, capture.FirstPicker{}, nil),
		Formats:  fixedFormat{profile: webm},
		Encoders: h.factory,
		Sink:     h.sink,
		Status:   h.events,
	}, opts, nil)
	return h
}

func chunk(n int) []byte {
	return []byte(strings.Repeat("x", n))
}

func micRequest() capture.Request {
	return capture.Request{Sources: []capture.SourceKind{capture.SourceScreen}, Microphone: true}
}

func TestStartStop_SavesArtifact(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(1000), chunk(532), chunk(0), chunk(998)}, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))
	require.Equal(t, StateRecording, h.session.State())

	res, err := h.session.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, StateIdle, h.session.State())

	require.Len(t, h.sink.artifacts, 1)
	a := h.sink.artifacts[0]
	require.Equal(t, 1000+532+998, a.Size())
	require.Equal(t, encoder.MimeWebMVP8, a.MimeType)
	require.True(t, strings.HasSuffix(a.Filename, ".webm"))
	require.Equal(t, "/recordings/"+a.Filename, res.Location)
	require.Equal(t, res, h.session.LastResult())

	require.Equal(t, []string{"Recording…", "Processing…", "Saved: " + a.Filename}, h.events.messages())
}

func TestZeroLengthChunksDropped(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(1000), chunk(532), chunk(0), chunk(998)}, Options{})
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx, micRequest()))

	require.Eventually(t, func() bool { return h.session.Info().Chunks == 3 }, time.Second, 5*time.Millisecond)
	info := h.session.Info()
	require.Equal(t, 2530, info.Bytes)
	require.Equal(t, capture.SourceScreen, info.Source)

	_, err := h.session.Stop(ctx)
	require.NoError(t, err)
}

func TestStart_AlreadyRecording(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(10)}, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))
	err := h.session.Start(ctx, micRequest())
	require.ErrorIs(t, err, errors.ErrAlreadyRecording)
	require.Equal(t, StateRecording, h.session.State())

	_, err = h.session.Stop(ctx)
	require.NoError(t, err)
}

// blockingResolver parks Start in the Starting state.
type blockingResolver struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingResolver) Resolve(ctx context.Context, _ capture.Request) (*capture.MixedStream, error) {
	close(r.entered)
	<-r.release
	return nil, errors.Wrap(errors.KindUserCancelled, "pick target", context.Canceled)
}

func TestStart_ConcurrentDuringStarting(t *testing.T) {
	r := &blockingResolver{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(Components{Resolver: r, Formats: fixedFormat{profile: webm}, Encoders: &fakeFactory{}, Sink: &memorySink{}}, Options{}, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background(), capture.Request{}) }()
	<-r.entered

	require.Equal(t, StateStarting, s.State())
	require.ErrorIs(t, s.Start(context.Background(), capture.Request{}), errors.ErrAlreadyRecording)
	_, err := s.Stop(context.Background())
	require.ErrorIs(t, err, errors.ErrNotRecording)

	close(r.release)
	require.ErrorIs(t, <-errc, errors.ErrUserCancelled)
	require.Equal(t, StateIdle, s.State())
	require.ErrorIs(t, s.LastResult().Err, errors.ErrUserCancelled)
}

func TestStop_NotRecording(t *testing.T) {
	h := newHarness(t, nil, Options{})
	_, err := h.session.Stop(context.Background())
	require.ErrorIs(t, err, errors.ErrNotRecording)
}

func TestStreamsReleasedExactlyOnce(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(100)}, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))
	stream := h.factory.lastStream()
	require.Len(t, stream.Handles(), 2)
	for _, handle := range stream.Handles() {
		require.False(t, handle.Released())
	}

	_, err := h.session.Stop(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Release())

	require.Equal(t, int32(1), h.platform.videoReleases.Load())
	require.Equal(t, int32(1), h.platform.micReleases.Load())
	for _, handle := range stream.Handles() {
		require.True(t, handle.Released())
	}
}

func TestStreamsReleasedOnFailedStart(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.session.conf.Formats = fixedFormat{err: errors.Newf(errors.KindNoSupportedFormat, "negotiate", "nothing")}

	err := h.session.Start(context.Background(), micRequest())
	require.ErrorIs(t, err, errors.ErrNoSupportedFormat)
	require.Equal(t, StateIdle, h.session.State())
	require.Equal(t, int32(1), h.platform.videoReleases.Load())
	require.Equal(t, int32(1), h.platform.micReleases.Load())
	require.Equal(t, []string{"Error: " + err.Error()}, h.events.messages())
}

func TestStreamsReleasedOnEncoderStartFailure(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.factory.startErr = fmt.Errorf("exec: \"ffmpeg\": executable file not found")

	err := h.session.Start(context.Background(), micRequest())
	require.ErrorIs(t, err, errors.ErrEncoderFault)
	require.Equal(t, StateIdle, h.session.State())
	require.Equal(t, int32(1), h.platform.videoReleases.Load())
}

func TestMicrophoneFailureDegradesToVideoOnly(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(64)}, Options{})
	h.platform.micErr = errors.Wrap(errors.KindPermissionDenied, "open microphone", fmt.Errorf("access denied"))
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))
	stream := h.factory.lastStream()
	require.Len(t, stream.Video, 1)
	require.Empty(t, stream.Audio)

	_, err := h.session.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, h.sink.artifacts, 1)
}

func TestMicrophoneRequired(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(64)}, Options{})
	h.platform.micErr = fmt.Errorf("no such device")
	req := micRequest()
	req.MicrophoneRequired = true

	err := h.session.Start(context.Background(), req)
	require.ErrorIs(t, err, errors.ErrCaptureFailed)
	require.Equal(t, StateIdle, h.session.State())
	require.Equal(t, int32(1), h.platform.videoReleases.Load())
}

func TestEmptyRecording(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(0), chunk(0)}, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))
	stream := h.factory.lastStream()

	res, err := h.session.Stop(ctx)
	require.ErrorIs(t, err, errors.ErrEmptyRecording)
	require.ErrorIs(t, res.Err, errors.ErrEmptyRecording)
	require.Equal(t, StateIdle, h.session.State())
	require.Empty(t, h.sink.artifacts)
	for _, handle := range stream.Handles() {
		require.True(t, handle.Released())
	}

	msgs := h.events.messages()
	require.True(t, strings.HasPrefix(msgs[len(msgs)-1], "Error: "))
}

func TestImmediateStop(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Stop(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, errors.ErrEmptyRecording)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	require.Equal(t, StateIdle, h.session.State())
}

func TestEncoderFault_NoData(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.factory.fault = errors.Newf(errors.KindEncoderFault, "ffmpeg", "x11grab: device lost")

	require.NoError(t, h.session.Start(context.Background(), micRequest()))

	require.Eventually(t, func() bool { return h.session.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	res := h.session.LastResult()
	require.ErrorIs(t, res.Err, errors.ErrEncoderFault)
	require.Empty(t, h.sink.artifacts)
	require.Equal(t, int32(1), h.platform.videoReleases.Load())

	_, err := h.session.Stop(context.Background())
	require.ErrorIs(t, err, errors.ErrNotRecording)
}

func TestEncoderFault_NoDataBeatsEmptyOnStop(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.factory.stopFault = errors.Newf(errors.KindEncoderFault, "ffmpeg", "exit status 1")
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))

	res, err := h.session.Stop(ctx)
	require.ErrorIs(t, err, errors.ErrEncoderFault)
	require.NotErrorIs(t, err, errors.ErrEmptyRecording)
	require.ErrorIs(t, res.Err, errors.ErrEncoderFault)
	require.Equal(t, StateIdle, h.session.State())
	require.Empty(t, h.sink.artifacts)
}

func TestEncoderFault_SavesCapturedData(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(300)}, Options{})
	h.factory.fault = errors.Newf(errors.KindEncoderFault, "ffmpeg", "killed")

	require.NoError(t, h.session.Start(context.Background(), micRequest()))

	require.Eventually(t, func() bool { return h.session.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.session.LastResult().Err)
	require.Len(t, h.sink.artifacts, 1)
	require.Equal(t, 300, h.sink.artifacts[0].Size())
}

func TestSinkFailureSurfaces(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(10)}, Options{})
	h.sink.err = errors.ErrUploadFailedFor("s3://bucket/key", fmt.Errorf("403"))
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))
	_, err := h.session.Stop(ctx)
	require.ErrorIs(t, err, errors.ErrUploadFailed)
	require.Equal(t, StateIdle, h.session.State())
}

func TestFilenamesUniqueWithStubbedClock(t *testing.T) {
	frozen := time.UnixMilli(1700000000000)
	h := newHarness(t, [][]byte{chunk(10)}, Options{Prefix: "screen", Now: func() time.Time { return frozen }})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.session.Start(ctx, micRequest()))
		_, err := h.session.Stop(ctx)
		require.NoError(t, err)
	}

	var names []string
	for _, a := range h.sink.artifacts {
		names = append(names, a.Filename)
	}
	require.Equal(t, []string{
		"screen-1700000000000.webm",
		"screen-1700000000001.webm",
		"screen-1700000000002.webm",
	}, names)
}

func TestFilenameExtensionFromContainer(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(10)}, Options{})
	h.session.conf.Formats = fixedFormat{profile: encoder.Profile{MimeType: encoder.MimeMP4Base, Container: encoder.ContainerMP4}}
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx, micRequest()))
	res, err := h.session.Stop(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.Filename, "recording-"))
	require.True(t, strings.HasSuffix(res.Filename, ".mp4"))
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(10)}, Options{})
	ctx := context.Background()
	next := &memorySink{}
	comps := Components{
		Resolver: capture.NewNegotiator(h.platform, capture.FirstPicker{}, nil),
		Formats:  fixedFormat{profile: webm},
		Encoders: h.factory,
		Sink:     next,
		Status:   h.events,
	}

	require.NoError(t, h.session.Start(ctx, micRequest()))
	err := h.session.Reconfigure(comps, Options{Prefix: "alt"})
	require.ErrorIs(t, err, errors.ErrAlreadyRecording)

	// the running recording finishes with the settings it started with
	res, err := h.session.Stop(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.Filename, "recording-"))
	require.Len(t, h.sink.artifacts, 1)

	require.NoError(t, h.session.Reconfigure(comps, Options{Prefix: "alt"}))
	require.NoError(t, h.session.Start(ctx, micRequest()))
	require.ErrorIs(t, h.session.Start(ctx, micRequest()), errors.ErrAlreadyRecording)
	res, err = h.session.Stop(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.Filename, "alt-"))
	require.Len(t, next.artifacts, 1)
	require.Len(t, h.sink.artifacts, 1)
}

func TestHooksAndStartDelay(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	hook := func(name string) Hook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return nil
		}
	}
	h := newHarness(t, [][]byte{chunk(10)}, Options{
		StartDelay:  50 * time.Millisecond,
		BeforeStart: hook("minimize"),
		AfterStop:   hook("restore"),
	})
	ctx := context.Background()

	begin := time.Now()
	require.NoError(t, h.session.Start(ctx, micRequest()))
	require.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)

	_, err := h.session.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"minimize", "restore"}, calls)
}

func TestStartDelayCancelled(t *testing.T) {
	h := newHarness(t, nil, Options{StartDelay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.session.Start(ctx, micRequest())
	require.ErrorIs(t, err, errors.ErrUserCancelled)
	require.Equal(t, StateIdle, h.session.State())
	require.Equal(t, int32(1), h.platform.videoReleases.Load())
}

func TestFocus(t *testing.T) {
	restored := 0
	restore := func(context.Context) error { restored++; return nil }
	ctx := context.Background()

	manual := newHarness(t, [][]byte{chunk(10)}, Options{AfterStop: restore})
	require.NoError(t, manual.session.Start(ctx, micRequest()))
	res, err := manual.session.Focus(ctx)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, StateRecording, manual.session.State())
	require.Equal(t, 1, restored)
	_, err = manual.session.Stop(ctx)
	require.NoError(t, err)

	auto := newHarness(t, [][]byte{chunk(10)}, Options{AutoStopOnFocus: true})
	require.NoError(t, auto.session.Start(ctx, micRequest()))
	res, err = auto.session.Focus(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, StateIdle, auto.session.State())

	res, err = auto.session.Focus(ctx)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestCommand(t *testing.T) {
	h := newHarness(t, [][]byte{chunk(10)}, Options{})
	ctx := context.Background()

	res, err := h.session.Command(ctx, "command-stop")
	require.NoError(t, err)
	require.Nil(t, res)

	require.NoError(t, h.session.Start(ctx, micRequest()))
	res, err = h.session.Command(ctx, "command-stop")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, StateIdle, h.session.State())

	_, err = h.session.Command(ctx, "pause")
	require.Error(t, err)
}
