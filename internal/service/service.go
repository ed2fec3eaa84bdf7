package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/audiolibrelab/screencap/internal/capture"
	"github.com/audiolibrelab/screencap/internal/config"
	"github.com/audiolibrelab/screencap/internal/encoder"
	"github.com/audiolibrelab/screencap/internal/errors"
	"github.com/audiolibrelab/screencap/internal/play"
	"github.com/audiolibrelab/screencap/internal/session"
	"github.com/audiolibrelab/screencap/internal/sink"
	"github.com/audiolibrelab/screencap/internal/stats"
	"github.com/audiolibrelab/screencap/internal/status"
)

// Service represents the core screencap service interface
type Service interface {
	// Recording operations
	Start(ctx context.Context, opts StartOptions) error
	Stop(ctx context.Context) (*session.Result, error)
	Focus(ctx context.Context) (*session.Result, error)
	Command(ctx context.Context, name string) (*session.Result, error)
	GetStatus() Status

	// Capture and format discovery
	Targets(ctx context.Context, kinds []capture.SourceKind) ([]capture.Target, error)
	Formats(ctx context.Context) ([]encoder.Profile, error)

	// Recordings on disk
	ListRecordings() ([]play.Recording, error)
	RecordingPath(name string) (string, error)
	Play(ctx context.Context, name string) error

	// Configuration operations
	LoadProfile(profile string) error
	SelectProfile(profile string) error
	Profiles() ([]string, string, error)
	GetConfig() *config.Config

	// Status channel
	Subscribe(buffer int) (<-chan status.Event, func())
	GetLastError() string

	Close(ctx context.Context) error
}

// StartOptions are the per-request overrides of the active profile.
type StartOptions struct {
	Source     string `json:"source"`
	Microphone *bool  `json:"microphone,omitempty"`
	Target     string `json:"target"`
	Profile    string `json:"profile"`
}

// Status is the service view exposed by /status and the CLI.
type Status struct {
	State     session.State `json:"state"`
	Session   session.Info  `json:"session"`
	Last      *LastResult   `json:"last,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Profile   string        `json:"profile"`
}

type LastResult struct {
	*session.Result
	Error string      `json:"error,omitempty"`
	Kind  errors.Kind `json:"kind,omitempty"`
}

// Options replace the default collaborators, mainly for tests.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer // nil disables metrics
	Picker     capture.Picker
	Platform   capture.Platform
	Formats    session.FormatNegotiator
	Encoders   encoder.Factory
	Verbose    bool
}

// ScreenCapService is the main service implementation
type ScreenCapService struct {
	configFile string
	opts       Options
	logger     *slog.Logger
	notifier   *status.Notifier
	monitor    *stats.Monitor
	prober     *encoder.Prober

	// opMu serializes Start and LoadProfile so a profile switch cannot
	// interleave with a start that already resolved its request.
	opMu sync.Mutex

	mu       sync.RWMutex
	cfg      *config.Config
	profile  string
	platform capture.Platform
	sink     *sink.Sink
	session  *session.Session

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new screencap service instance
func New(cfg *config.Config, configFile, profile string, opts Options) (*ScreenCapService, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &ScreenCapService{
		configFile: configFile,
		opts:       opts,
		logger:     opts.Logger.With("component", "service"),
		notifier:   status.NewNotifier(opts.Logger),
		prober:     encoder.NewProber(),
	}
	if opts.Registerer != nil {
		s.monitor = stats.NewMonitor(opts.Registerer)
	}

	if err := s.build(cfg, profile); err != nil {
		return nil, err
	}
	return s, nil
}

// build wires the platform, sink and session for cfg.
func (s *ScreenCapService) build(cfg *config.Config, profile string) error {
	logger := s.opts.Logger

	platform := s.opts.Platform
	var hooks *capture.WindowHooks
	if platform == nil {
		desktop := desktopFor(cfg, logger)
		platform = desktop
		if cfg.Behavior.MinimizeOnStart && desktop.X11 != nil {
			hooks = capture.NewWindowHooks(desktop.X11)
		}
	}

	picker := s.opts.Picker
	if picker == nil {
		picker = pickerFor(cfg)
	}

	formats := s.opts.Formats
	if formats == nil {
		formats = s.prober
	}

	encoders := s.opts.Encoders
	if encoders == nil {
		encoders = encoder.NewFFmpegFactory(encoder.Options{
			Binary:      s.prober.Binary,
			Timeslice:   cfg.Recording.Timeslice,
			StopTimeout: cfg.Recording.StopTimeout,
			Video:       videoConstraints(cfg),
			Verbose:     s.opts.Verbose,
		}, logger)
	}

	out, err := sink.New(cfg.Sink, cfg.Output, s.monitor, logger)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	sessionOpts := session.Options{
		Prefix:          cfg.Output.Prefix,
		Formats:         cfg.Recording.Formats,
		StartDelay:      cfg.Recording.StartDelay,
		AutoStopOnFocus: cfg.Behavior.AutoStopOnFocus,
	}
	if hooks != nil {
		sessionOpts.BeforeStart = hooks.Minimize
		sessionOpts.AfterStop = hooks.Restore
	}

	comps := session.Components{
		Resolver: capture.NewNegotiator(platform, picker, logger),
		Formats:  formats,
		Encoders: encoders,
		Sink:     out,
		Status:   s.notifier,
		Monitor:  s.monitor,
	}

	// One session lives as long as the service; a new profile only
	// reconfigures it, and only while it is idle.
	s.mu.Lock()
	if s.session == nil {
		s.session = session.New(comps, sessionOpts, logger)
	} else if err := s.session.Reconfigure(comps, sessionOpts); err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.sink
	s.cfg = cfg
	s.profile = profile
	s.platform = platform
	s.sink = out
	s.mu.Unlock()

	if old != nil {
		old.Wait()
	}
	return nil
}

// desktopFor builds the X11, Chrome and PulseAudio backends from the targets.
func desktopFor(cfg *config.Config, logger *slog.Logger) *capture.Desktop {
	var x *capture.X11
	var chrome *capture.Chrome
	var systemAudio string

	for _, t := range cfg.Targets {
		switch t.Kind {
		case config.TargetKindScreen, config.TargetKindWindow:
			if x == nil {
				x = capture.NewX11(t.Display, logger)
			}
			if systemAudio == "" {
				systemAudio = t.SystemAudio
			}
		case config.TargetKindTab:
			if chrome == nil && t.DevToolsURL != "" {
				chrome = capture.NewChrome(t.DevToolsURL, logger)
			}
		}
	}
	if x == nil {
		x = capture.NewX11("", logger)
	}

	return capture.NewDesktop(x, chrome, capture.NewPulse(cfg.Microphone.Device, logger), systemAudio, logger)
}

// pickerFor selects the first configured target. A label narrows the choice
// to the matching target of that kind.
func pickerFor(cfg *config.Config) capture.Picker {
	if len(cfg.Targets) == 0 {
		return capture.FirstPicker{}
	}
	t := cfg.Targets[0]
	return &capture.FixedPicker{Label: t.Label, Kind: capture.SourceKind(t.Kind)}
}

func videoConstraints(cfg *config.Config) capture.VideoConstraints {
	return capture.VideoConstraints{
		MaxWidth:     cfg.Video.MaxWidth,
		MaxHeight:    cfg.Video.MaxHeight,
		MaxFrameRate: cfg.Video.MaxFrameRate,
	}
}

func (s *ScreenCapService) current() (*config.Config, *session.Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.session
}

// Request turns start options into a capture request using the active profile.
func (s *ScreenCapService) Request(opts StartOptions) (capture.Request, error) {
	cfg, _ := s.current()

	req := capture.Request{
		Microphone:         cfg.Microphone.Enabled,
		MicrophoneRequired: cfg.Microphone.Required,
		Video:              videoConstraints(cfg),
		Target:             opts.Target,
	}
	if opts.Microphone != nil {
		req.Microphone = *opts.Microphone
	}

	if t, ok := cfg.TargetByID(opts.Target); ok {
		req.Sources = []capture.SourceKind{capture.SourceKind(t.Kind)}
		req.Target = t.Label
	}

	if opts.Source != "" {
		kind, err := capture.ParseSourceKind(opts.Source)
		if err != nil {
			return capture.Request{}, err
		}
		req.Sources = []capture.SourceKind{kind}
	}

	if len(req.Sources) == 0 {
		seen := map[capture.SourceKind]bool{}
		for _, t := range cfg.Targets {
			kind := capture.SourceKind(t.Kind)
			if !seen[kind] {
				seen[kind] = true
				req.Sources = append(req.Sources, kind)
			}
		}
	}
	return req, nil
}

// Start begins a recording (IDLE -> RECORDING)
func (s *ScreenCapService) Start(ctx context.Context, opts StartOptions) error {
	s.logger.Debug("Service.Start called", "source", opts.Source, "target", opts.Target, "profile", opts.Profile)
	s.clearLastError() // Clear any previous errors when starting a new operation

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if opts.Profile != "" && opts.Profile != s.currentProfile() {
		if err := s.loadProfile(opts.Profile); err != nil {
			s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
			return err
		}
	}

	req, err := s.Request(opts)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}

	_, sess := s.current()
	if err := sess.Start(ctx, req); err != nil {
		s.logger.Error("Service.Start failed", "error", err)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	return nil
}

// Stop stops the current recording and saves it
func (s *ScreenCapService) Stop(ctx context.Context) (*session.Result, error) {
	_, sess := s.current()
	res, err := sess.Stop(ctx)
	s.track("stop recording", err)
	return res, err
}

// Focus reports that the recorder window regained focus
func (s *ScreenCapService) Focus(ctx context.Context) (*session.Result, error) {
	_, sess := s.current()
	res, err := sess.Focus(ctx)
	s.track("stop recording", err)
	return res, err
}

// Command relays an external message such as "command-stop"
func (s *ScreenCapService) Command(ctx context.Context, name string) (*session.Result, error) {
	_, sess := s.current()
	res, err := sess.Command(ctx, name)
	s.track("run command "+name, err)
	return res, err
}

func (s *ScreenCapService) track(action string, err error) {
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to %s: %v", action, err))
	} else {
		s.clearLastError()
	}
}

// GetStatus returns the session state, the last result and the last error
func (s *ScreenCapService) GetStatus() Status {
	_, sess := s.current()
	st := Status{
		State:     sess.State(),
		Session:   sess.Info(),
		LastError: s.GetLastError(),
		Profile:   s.currentProfile(),
	}
	if res := sess.LastResult(); res != nil {
		st.Last = &LastResult{Result: res}
		if res.Err != nil {
			st.Last.Error = res.Err.Error()
			st.Last.Kind = errors.KindOf(res.Err)
		}
	}
	return st
}

// Targets lists capture targets of the given kinds, or of every kind
func (s *ScreenCapService) Targets(ctx context.Context, kinds []capture.SourceKind) ([]capture.Target, error) {
	if len(kinds) == 0 {
		kinds = capture.VideoKinds
	}
	s.mu.RLock()
	platform := s.platform
	s.mu.RUnlock()
	return platform.Targets(ctx, kinds)
}

// Formats lists the recording formats the local ffmpeg can produce
func (s *ScreenCapService) Formats(ctx context.Context) ([]encoder.Profile, error) {
	return s.prober.Supported(ctx)
}

// ListRecordings returns the recordings in the output directory
func (s *ScreenCapService) ListRecordings() ([]play.Recording, error) {
	cfg, _ := s.current()
	return play.ListRecordings(cfg.Output.Directory)
}

// RecordingPath resolves a recording name inside the output directory
func (s *ScreenCapService) RecordingPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid recording name: %q", name)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".mp4" && ext != ".webm" {
		return "", fmt.Errorf("invalid recording name: %q", name)
	}

	cfg, _ := s.current()
	path := filepath.Join(cfg.Output.Directory, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("recording not found: %s", name)
	}
	return path, nil
}

// Play opens a recording, or the latest one, in a local player
func (s *ScreenCapService) Play(ctx context.Context, name string) error {
	cfg, _ := s.current()
	return play.New(cfg).Play(ctx, name)
}

// LoadProfile loads a new configuration profile
func (s *ScreenCapService) LoadProfile(profile string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.loadProfile(profile)
}

func (s *ScreenCapService) loadProfile(profile string) error {
	_, sess := s.current()
	if state := sess.State(); state != session.StateIdle {
		return errors.Newf(errors.KindAlreadyRecording, "load profile", "cannot switch profile while %s", strings.ToLower(string(state)))
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	if err := s.build(newCfg, profile); err != nil {
		return err
	}
	s.logger.Info("Profile loaded", "profile", profile)
	return nil
}

// SelectProfile makes profile the active one in the config file and loads it
func (s *ScreenCapService) SelectProfile(profile string) error {
	if err := s.LoadProfile(profile); err != nil {
		return err
	}
	return config.UpdateActiveConfig(s.configFile, profile)
}

// Profiles returns the profile names in the config file and the active one
func (s *ScreenCapService) Profiles() ([]string, string, error) {
	names, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		return nil, "", err
	}
	if p := s.currentProfile(); p != "" {
		active = p
	}
	return names, active, nil
}

// GetConfig returns the current configuration
func (s *ScreenCapService) GetConfig() *config.Config {
	cfg, _ := s.current()
	return cfg
}

func (s *ScreenCapService) currentProfile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// Subscribe returns a channel of status events
func (s *ScreenCapService) Subscribe(buffer int) (<-chan status.Event, func()) {
	return s.notifier.Subscribe(buffer)
}

// Close stops an active recording and waits for staged files to be removed
func (s *ScreenCapService) Close(ctx context.Context) error {
	_, sess := s.current()

	var err error
	if sess.State() == session.StateRecording {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_, err = sess.Stop(stopCtx)
	}

	s.mu.RLock()
	out := s.sink
	s.mu.RUnlock()
	out.Wait()
	return err
}

// GetLastError returns the last error message (thread-safe)
func (s *ScreenCapService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *ScreenCapService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

// clearLastError clears the last error message (thread-safe)
func (s *ScreenCapService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
