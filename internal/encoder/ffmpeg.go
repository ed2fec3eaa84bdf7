package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/smallnest/ringbuffer"

	"github.com/audiolibrelab/screencap/internal/capture"
	"github.com/audiolibrelab/screencap/internal/errors"
)

const (
	DefaultTimeslice   = time.Second
	DefaultStopTimeout = 5 * time.Second
	stderrTail         = 4096
	readBufferSize     = 64 * 1024
)

// Encoder turns a MixedStream into a chunked container byte stream.
type Encoder interface {
	// Start launches the encoder. Chunks become available on Chunks.
	Start(ctx context.Context) error
	// Chunks delivers data once per timeslice. It is closed after the encoder
	// exited and every byte was delivered.
	Chunks() <-chan []byte
	// Stop asks the encoder to finish. It does not wait for the flush.
	Stop() error
	// Err reports why the encoder ended. It is nil after a requested stop.
	Err() error
}

// Factory creates an encoder bound to a stream and profile.
type Factory interface {
	New(stream *capture.MixedStream, profile Profile) Encoder
}

// Options configures FFmpeg encoders.
type Options struct {
	Binary      string
	Timeslice   time.Duration
	StopTimeout time.Duration
	Video       capture.VideoConstraints
	// Verbose forwards ffmpeg's stderr to the debug log
	Verbose bool
}

// FFmpegFactory creates FFmpeg encoders sharing one set of options.
type FFmpegFactory struct {
	opts   Options
	logger *slog.Logger
}

func NewFFmpegFactory(opts Options, logger *slog.Logger) *FFmpegFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegFactory{opts: opts, logger: logger}
}

func (f *FFmpegFactory) New(stream *capture.MixedStream, profile Profile) Encoder {
	return NewFFmpeg(stream, profile, f.opts, f.logger)
}

// FFmpeg runs one ffmpeg process that writes a streamable container to stdout.
type FFmpeg struct {
	stream  *capture.MixedStream
	profile Profile
	opts    Options
	logger  *slog.Logger

	cmd    *exec.Cmd
	chunks chan []byte

	mu      sync.Mutex
	pending bytes.Buffer
	stderr  *ringbuffer.RingBuffer
	err     error

	stopRequested core.Fuse
	exited        core.Fuse
}

func NewFFmpeg(stream *capture.MixedStream, profile Profile, opts Options, logger *slog.Logger) *FFmpeg {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = DefaultTimeslice
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		stream:  stream,
		profile: profile,
		opts:    opts,
		logger:  logger.With("component", "encoder", "mime", profile.MimeType),
		chunks:  make(chan []byte, 16),
		stderr:  ringbuffer.New(stderrTail),
	}
}

// Args builds the ffmpeg command line.
func (e *FFmpeg) Args() ([]string, error) {
	if len(e.stream.Video) == 0 {
		return nil, errors.Newf(errors.KindCaptureFailed, "encoder", "stream has no video track")
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if e.stream.Stdin() == nil {
		args = append(args, "-nostdin")
	}
	args = append(args, e.profile.GlobalArgs...)

	for _, in := range e.stream.Inputs() {
		args = append(args, in.Args()...)
	}

	var filters []string
	var maps []string
	for i, v := range e.stream.Video {
		label := fmt.Sprintf("[v%d]", i)
		filters = append(filters, fmt.Sprintf("[%s]%s%s", v.Stream(), videoChain(e.opts.Video, e.profile), label))
		maps = append(maps, "-map", label)
	}

	audio := e.stream.AudioGraph()
	if audio.Filter != "" {
		filters = append(filters, audio.Filter)
	}
	if !audio.Empty() {
		maps = append(maps, "-map", audio.Map)
	}

	args = append(args, "-filter_complex", strings.Join(filters, ";"))
	args = append(args, maps...)
	args = append(args, e.profile.VideoArgs...)
	if !audio.Empty() {
		args = append(args, e.profile.AudioArgs...)
	}
	args = append(args, e.profile.MuxArgs()...)
	args = append(args, "pipe:1")

	return args, nil
}

func videoChain(c capture.VideoConstraints, p Profile) string {
	var parts []string
	if c.MaxWidth > 0 && c.MaxHeight > 0 {
		parts = append(parts, fmt.Sprintf(
			"scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2",
			c.MaxWidth, c.MaxHeight))
	} else {
		parts = append(parts, "scale=trunc(iw/2)*2:trunc(ih/2)*2")
	}
	if c.MaxFrameRate > 0 {
		parts = append(parts, "fps="+strconv.Itoa(c.MaxFrameRate))
	}
	if p.VideoFilter != "" {
		parts = append(parts, p.VideoFilter)
	}
	return strings.Join(parts, ",")
}

func (e *FFmpeg) Start(ctx context.Context) error {
	args, err := e.Args()
	if err != nil {
		return err
	}

	cmd := exec.Command(e.opts.Binary, args...)
	var stdinPipe io.WriteCloser
	stdinSource := e.stream.Stdin()
	if stdinSource != nil {
		// Not cmd.Stdin: Wait would block on the copy until the capture side closes
		if stdinPipe, err = cmd.StdinPipe(); err != nil {
			return fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}
	if level := os.Getenv("FFREPORT"); level != "" {
		cmd.Env = append(os.Environ(), "FFREPORT="+level)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	e.logger.Info("Starting FFmpeg encoder", "command", e.opts.Binary+" "+strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.KindEncoderFault, "start encoder", err)
	}
	e.cmd = cmd

	if stdinPipe != nil {
		go func() {
			if _, err := io.Copy(stdinPipe, stdinSource); err != nil {
				e.logger.Debug("Encoder input copy ended", "error", err)
			}
			_ = stdinPipe.Close()
		}()
	}

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go e.readOutput(stdout, readDone)
	go e.readStderr(stderr, stderrDone)
	go e.emit(readDone, stderrDone)

	go func() {
		select {
		case <-ctx.Done():
			_ = e.Stop()
		case <-e.exited.Watch():
		}
	}()

	return nil
}

// readOutput accumulates container bytes until EOF
func (e *FFmpeg) readOutput(pipe io.ReadCloser, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.pending.Write(buf[:n])
			e.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (e *FFmpeg) readStderr(pipe io.ReadCloser, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 1024)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			e.appendStderr(buf[:n])
			if e.opts.Verbose {
				e.logger.Debug("FFmpeg output", "stream", "stderr", "line", strings.TrimSpace(string(buf[:n])))
			}
		}
		if err != nil {
			return
		}
	}
}

// appendStderr keeps only the most recent stderrTail bytes
func (e *FFmpeg) appendStderr(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(p) > stderrTail {
		p = p[len(p)-stderrTail:]
	}
	if free := e.stderr.Free(); free < len(p) {
		discard := make([]byte, len(p)-free)
		_, _ = e.stderr.Read(discard)
	}
	_, _ = e.stderr.Write(p)
}

// emit sends one chunk per timeslice, then waits for the process and flushes
// the remainder before closing the channel.
func (e *FFmpeg) emit(readDone, stderrDone <-chan struct{}) {
	ticker := time.NewTicker(e.opts.Timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-readDone:
			<-stderrDone
			waitErr := e.cmd.Wait()
			e.flush()
			e.finish(waitErr)
			close(e.chunks)
			return
		}
	}
}

func (e *FFmpeg) flush() {
	e.mu.Lock()
	if e.pending.Len() == 0 {
		e.mu.Unlock()
		e.chunks <- nil
		return
	}
	chunk := make([]byte, e.pending.Len())
	copy(chunk, e.pending.Bytes())
	e.pending.Reset()
	e.mu.Unlock()

	e.chunks <- chunk
}

func (e *FFmpeg) finish(waitErr error) {
	defer e.exited.Break()

	requested := e.stopRequested.IsBroken()
	if waitErr == nil || (requested && isInterruptExit(waitErr)) {
		e.logger.Debug("FFmpeg exited", "requested", requested)
		if !requested {
			// Input ended on its own, e.g. the captured window closed
			e.setErr(errors.Newf(errors.KindEncoderFault, "encoder", "ffmpeg exited before stop was requested%s", e.tail()))
		}
		return
	}

	e.logger.Warn("FFmpeg failed", "error", waitErr, "stderr", e.tailString())
	e.setErr(errors.Wrap(errors.KindEncoderFault, "encoder", fmt.Errorf("%w%s", waitErr, e.tail())))
}

func (e *FFmpeg) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *FFmpeg) tail() string {
	s := e.tailString()
	if s == "" {
		return ""
	}
	return ": " + s
}

func (e *FFmpeg) tailString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, e.stderr.Length())
	n, _ := e.stderr.Read(buf)
	_, _ = e.stderr.Write(buf[:n])
	return strings.TrimSpace(string(buf[:n]))
}

// isInterruptExit checks for the exit states ffmpeg produces after SIGINT or a kill
func isInterruptExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	// Exit code 255 means ffmpeg was interrupted gracefully
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}

func (e *FFmpeg) Chunks() <-chan []byte {
	return e.chunks
}

// Stop sends SIGINT so ffmpeg finalizes the container, and kills it if it
// has not exited within the stop timeout.
func (e *FFmpeg) Stop() error {
	if e.cmd == nil || e.cmd.Process == nil {
		return errors.Newf(errors.KindEncoderFault, "stop encoder", "encoder not started")
	}
	if e.stopRequested.IsBroken() {
		return nil
	}
	e.stopRequested.Break()
	if e.exited.IsBroken() {
		return nil
	}

	e.logger.Debug("Sending SIGINT to FFmpeg process")
	if err := e.cmd.Process.Signal(os.Interrupt); err != nil {
		e.logger.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", err)
		_ = e.cmd.Process.Kill()
		return nil
	}

	go func() {
		select {
		case <-e.exited.Watch():
		case <-time.After(e.opts.StopTimeout):
			e.logger.Warn("FFmpeg did not exit within timeout, force killing", "timeout", e.opts.StopTimeout)
			_ = e.cmd.Process.Kill()
		}
	}()
	return nil
}

func (e *FFmpeg) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
