package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/audiolibrelab/screencap/internal/capture"
	"github.com/audiolibrelab/screencap/internal/encoder"
	"github.com/audiolibrelab/screencap/internal/errors"
	"github.com/audiolibrelab/screencap/internal/stats"
	"github.com/audiolibrelab/screencap/internal/status"
)

// State is the recording session state.
type State string

const (
	StateIdle       State = "IDLE"
	StateStarting   State = "STARTING"
	StateRecording  State = "RECORDING"
	StateStopping   State = "STOPPING"
	StateFinalizing State = "FINALIZING"
)

var allStates = []string{
	string(StateIdle), string(StateStarting), string(StateRecording),
	string(StateStopping), string(StateFinalizing),
}

var tracer = otel.Tracer("github.com/audiolibrelab/screencap/internal/session")

// Artifact is a finished recording handed to the sink.
type Artifact struct {
	SessionID string
	Data      []byte
	MimeType  string
	Filename  string
	StartedAt time.Time
	Duration  time.Duration
}

func (a *Artifact) Size() int {
	return len(a.Data)
}

// Result describes how the last recording ended.
type Result struct {
	SessionID  string        `json:"session_id"`
	Filename   string        `json:"filename,omitempty"`
	Location   string        `json:"location,omitempty"`
	MimeType   string        `json:"mime_type,omitempty"`
	Size       int           `json:"size"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Info is a snapshot of the session.
type Info struct {
	ID        string             `json:"id,omitempty"`
	State     State              `json:"state"`
	StartedAt time.Time          `json:"started_at,omitempty"`
	Source    capture.SourceKind `json:"source,omitempty"`
	Target    string             `json:"target,omitempty"`
	MimeType  string             `json:"mime_type,omitempty"`
	Chunks    int                `json:"chunks"`
	Bytes     int                `json:"bytes"`
}

// Resolver turns a capture request into a mixed stream.
type Resolver interface {
	Resolve(ctx context.Context, req capture.Request) (*capture.MixedStream, error)
}

// FormatNegotiator picks the encoding profile.
type FormatNegotiator interface {
	Negotiate(ctx context.Context, allowed []string) (encoder.Profile, error)
}

// Sink persists an artifact and returns where it ended up.
type Sink interface {
	Save(ctx context.Context, artifact *Artifact) (string, error)
}

// Publisher receives status events. Implementations must not block.
type Publisher interface {
	Publish(e status.Event)
}

// Hook is an optional presentation callback, such as minimizing the window.
type Hook func(ctx context.Context) error

type Options struct {
	Prefix          string
	Formats         []string
	StartDelay      time.Duration
	AutoStopOnFocus bool
	BeforeStart     Hook
	AfterStop       Hook
	Now             func() time.Time
}

// Components are the collaborators a session drives.
type Components struct {
	Resolver Resolver
	Formats  FormatNegotiator
	Encoders encoder.Factory
	Sink     Sink
	Status   Publisher
	Monitor  *stats.Monitor
}

// settings are the collaborators and options a recording runs with.
type settings struct {
	Components
	opts Options
}

// Session is the single recording state machine of the process. It is
// reset between recordings and reconfigured only while idle.
type Session struct {
	logger *slog.Logger

	mu     sync.Mutex
	conf   settings
	state  State
	active *recording
	lastMs int64
	last   *Result
}

type recording struct {
	id        string
	conf      settings
	req       capture.Request
	stream    *capture.MixedStream
	profile   encoder.Profile
	enc       encoder.Encoder
	cancel    context.CancelFunc
	chunks    [][]byte
	size      int
	startedAt time.Time
	collected chan struct{}
}

func New(c Components, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conf:   newSettings(c, opts),
		logger: logger.With("component", "session"),
		state:  StateIdle,
	}
	s.conf.Monitor.SetState(string(StateIdle), allStates)
	return s
}

func newSettings(c Components, opts Options) settings {
	if opts.Prefix == "" {
		opts.Prefix = "recording"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return settings{Components: c, opts: opts}
}

// Reconfigure replaces the collaborators and options used by the next
// recording. It fails with AlreadyRecording unless the session is idle.
func (s *Session) Reconfigure(c Components, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return errors.Newf(errors.KindAlreadyRecording, "reconfigure", "session is %s", strings.ToLower(string(s.state)))
	}
	s.conf = newSettings(c, opts)
	s.conf.Monitor.SetState(string(s.state), allStates)
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the active recording, if any.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{State: s.state}
	if rec := s.active; rec != nil {
		info.ID = rec.id
		info.StartedAt = rec.startedAt
		info.MimeType = rec.profile.MimeType
		info.Chunks = len(rec.chunks)
		info.Bytes = rec.size
		if rec.stream != nil {
			for _, h := range rec.stream.Handles() {
				if h.Source != capture.SourceMicrophone {
					info.Source = h.Source
					info.Target = h.Target.String()
					break
				}
			}
		}
	}
	return info
}

// LastResult returns the outcome of the most recent recording.
func (s *Session) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start negotiates the capture, selects a format and starts the encoder.
func (s *Session) Start(ctx context.Context, req capture.Request) (err error) {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return errors.Newf(errors.KindAlreadyRecording, "start", "session is %s", strings.ToLower(string(state)))
	}
	rec := &recording{id: uuid.NewString(), conf: s.conf, req: req}
	s.active = rec
	s.setState(StateStarting)
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "session.Start")
	span.SetAttributes(
		attribute.String("session.id", rec.id),
		attribute.Bool("capture.microphone", req.Microphone),
	)
	defer func() { endSpan(span, err) }()

	if err = s.start(ctx, rec); err != nil {
		s.abort(ctx, rec, err)
		return err
	}

	s.logger.Info("recording started", "session", rec.id, "format", rec.profile.MimeType)
	rec.publish(status.Recording(rec.id))
	return nil
}

func (s *Session) start(ctx context.Context, rec *recording) error {
	conf := rec.conf
	stream, err := conf.Resolver.Resolve(ctx, rec.req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rec.stream = stream
	s.mu.Unlock()

	profile, err := conf.Formats.Negotiate(ctx, conf.opts.Formats)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rec.profile = profile
	s.mu.Unlock()

	if conf.opts.BeforeStart != nil {
		if err := conf.opts.BeforeStart(ctx); err != nil {
			s.logger.Warn("before-start hook failed", "error", err)
		}
	}

	if conf.opts.StartDelay > 0 {
		timer := time.NewTimer(conf.opts.StartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(errors.KindUserCancelled, "start", ctx.Err())
		}
	}

	// The encoder outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	enc := conf.Encoders.New(stream, profile)
	if err := enc.Start(runCtx); err != nil {
		cancel()
		if errors.KindOf(err) == errors.KindUnknown {
			err = errors.Wrap(errors.KindEncoderFault, "start", err)
		}
		return err
	}

	s.mu.Lock()
	rec.enc = enc
	rec.cancel = cancel
	rec.startedAt = conf.opts.Now()
	rec.collected = make(chan struct{})
	s.setState(StateRecording)
	s.mu.Unlock()

	go s.collect(rec)
	return nil
}

// abort returns a failed start to Idle.
func (s *Session) abort(ctx context.Context, rec *recording, cause error) {
	if rec.stream != nil {
		if err := rec.stream.Release(); err != nil {
			s.logger.Warn("failed to release capture streams", "error", err)
		}
	}

	s.mu.Lock()
	s.active = nil
	s.last = &Result{SessionID: rec.id, Err: cause, FinishedAt: rec.conf.opts.Now()}
	s.setState(StateIdle)
	s.mu.Unlock()

	s.restore(ctx, rec.conf)
	s.logger.Error("failed to start recording", "session", rec.id, "kind", errors.KindOf(cause), "error", cause)
	rec.conf.Monitor.IncRecording(string(errors.KindOf(cause)), 0)
	rec.publish(status.Failed(rec.id, cause))
}

// collect drains encoder chunks in order until the encoder is fully flushed.
func (s *Session) collect(rec *recording) {
	for chunk := range rec.enc.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		s.mu.Lock()
		rec.chunks = append(rec.chunks, chunk)
		rec.size += len(chunk)
		s.mu.Unlock()
		rec.conf.Monitor.AddChunk(len(chunk))
	}
	close(rec.collected)

	s.mu.Lock()
	unsolicited := s.state == StateRecording && s.active == rec
	if unsolicited {
		s.setState(StateStopping)
	}
	s.mu.Unlock()

	if unsolicited {
		s.logger.Warn("encoder exited while recording", "session", rec.id, "error", rec.enc.Err())
		rec.publish(status.Processing(rec.id))
		s.finalize(context.Background(), rec, true)
	}
}

// Stop finishes the encoder, waits for its flush and persists the artifact.
func (s *Session) Stop(ctx context.Context) (res *Result, err error) {
	s.mu.Lock()
	if s.state != StateRecording {
		state := s.state
		s.mu.Unlock()
		return nil, errors.Newf(errors.KindNotRecording, "stop", "session is %s", strings.ToLower(string(state)))
	}
	rec := s.active
	s.setState(StateStopping)
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "session.Stop")
	span.SetAttributes(attribute.String("session.id", rec.id))
	defer func() { endSpan(span, err) }()

	rec.publish(status.Processing(rec.id))
	if err := rec.enc.Stop(); err != nil {
		s.logger.Warn("encoder stop failed", "session", rec.id, "error", err)
	}
	<-rec.collected

	return s.finalize(context.WithoutCancel(ctx), rec, false)
}

// finalize is the single teardown path for stopped and faulted recordings.
func (s *Session) finalize(ctx context.Context, rec *recording, unsolicited bool) (*Result, error) {
	s.mu.Lock()
	s.setState(StateFinalizing)
	chunks := rec.chunks
	rec.chunks = nil
	size := rec.size
	now := rec.conf.opts.Now()
	var filename string
	if size > 0 {
		filename = s.filename(rec.conf.opts.Prefix, rec.profile.Extension(), now)
	}
	s.mu.Unlock()

	rec.cancel()
	if err := rec.stream.Release(); err != nil {
		s.logger.Warn("failed to release capture streams", "session", rec.id, "error", err)
	}

	res := &Result{
		SessionID: rec.id,
		MimeType:  rec.profile.MimeType,
		Duration:  now.Sub(rec.startedAt),
	}

	var err error
	encErr := rec.enc.Err()
	switch {
	case size == 0 && (unsolicited || encErr != nil):
		// a fault wins over an empty recording whichever path got here first
		err = encErr
		if err == nil {
			err = errors.Newf(errors.KindEncoderFault, "record", "encoder stopped unexpectedly")
		}
	case size == 0:
		err = errors.Wrap(errors.KindEmptyRecording, "stop", nil)
	default:
		if encErr != nil {
			s.logger.Warn("encoder fault, saving captured data", "session", rec.id, "bytes", size, "error", encErr)
		}
		artifact := &Artifact{
			SessionID: rec.id,
			Data:      bytes.Join(chunks, nil),
			MimeType:  rec.profile.MimeType,
			Filename:  filename,
			StartedAt: rec.startedAt,
			Duration:  res.Duration,
		}
		res.Filename = artifact.Filename
		res.Size = artifact.Size()
		res.Location, err = rec.conf.Sink.Save(ctx, artifact)
	}
	res.Err = err
	res.FinishedAt = rec.conf.opts.Now()

	s.mu.Lock()
	s.active = nil
	s.last = res
	s.setState(StateIdle)
	s.mu.Unlock()

	s.restore(ctx, rec.conf)

	if err != nil {
		s.logger.Error("recording failed", "session", rec.id, "kind", errors.KindOf(err), "error", err)
		rec.conf.Monitor.IncRecording(string(errors.KindOf(err)), res.Duration)
		rec.publish(status.Failed(rec.id, err))
		return res, err
	}
	s.logger.Info("recording saved", "session", rec.id, "file", res.Filename, "location", res.Location, "bytes", res.Size)
	rec.conf.Monitor.IncRecording("saved", res.Duration)
	rec.publish(status.Saved(rec.id, res.Filename, res.Location))
	return res, nil
}

// Focus handles the recorder window regaining focus.
func (s *Session) Focus(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	conf := s.conf
	recording := s.state == StateRecording
	s.mu.Unlock()

	if conf.opts.AutoStopOnFocus && recording {
		res, err := s.Stop(ctx)
		if errors.Is(err, errors.ErrNotRecording) {
			return nil, nil
		}
		return res, err
	}
	s.restore(ctx, conf)
	return nil, nil
}

// Command relays an external message. Only stop is understood.
func (s *Session) Command(ctx context.Context, name string) (*Result, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stop", "command-stop":
		if s.State() != StateRecording {
			s.logger.Debug("stop command ignored", "state", s.State())
			return nil, nil
		}
		return s.Stop(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

// filename returns <prefix>-<unix-ms>.<ext>, bumping the timestamp when the
// clock repeats. Must be called with s.mu held.
func (s *Session) filename(prefix, ext string, now time.Time) string {
	ms := now.UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs + 1
	}
	s.lastMs = ms
	return fmt.Sprintf("%s-%d.%s", prefix, ms, ext)
}

func (s *Session) restore(ctx context.Context, conf settings) {
	if conf.opts.AfterStop == nil {
		return
	}
	if err := conf.opts.AfterStop(ctx); err != nil {
		s.logger.Warn("after-stop hook failed", "error", err)
	}
}

func (r *recording) publish(e status.Event) {
	if r.conf.Status != nil {
		r.conf.Status.Publish(e)
	}
}

// setState must be called with s.mu held.
func (s *Session) setState(state State) {
	s.logger.Debug("session state", "from", s.state, "to", state)
	s.state = state
	s.conf.Monitor.SetState(string(state), allStates)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
