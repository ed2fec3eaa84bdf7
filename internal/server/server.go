package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/screencap/internal/capture"
	"github.com/audiolibrelab/screencap/internal/errors"
	"github.com/audiolibrelab/screencap/internal/service"
	"github.com/audiolibrelab/screencap/internal/session"
)

// Server represents the web server for controlling screencap
type Server struct {
	service  service.Service
	port     string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// GenericResponse is the body of every action endpoint
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    errors.Kind `json:"kind,omitempty"`
}

// StopResponse reports the saved recording
type StopResponse struct {
	GenericResponse
	Filename  string `json:"filename,omitempty"`
	Location  string `json:"location,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	SizeHuman string `json:"size_human,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// FileInfo contains information about a saved recording
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Extension    string    `json:"extension"`
	StreamURL    string    `json:"stream_url"`
	DownloadURL  string    `json:"download_url"`
}

// FilesResponse represents the JSON response for files endpoint
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

// New creates the server. A nil gatherer leaves /metrics unregistered.
func New(svc service.Service, port string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service:  svc,
		port:     port,
		gatherer: gatherer,
		logger:   logger.With("component", "server"),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/start", s.handleStart)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/focus", s.handleFocus)
	s.mux.HandleFunc("/command", s.handleCommand)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/targets", s.handleTargets)
	s.mux.HandleFunc("/formats", s.handleFormats)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.HandleFunc("/config/profiles", s.handleProfiles)
	s.mux.HandleFunc("/config/select", s.handleSelectProfile)
	s.mux.HandleFunc("/api/files", s.handleFiles)
	s.mux.HandleFunc("/api/files/stream/", s.handleFileStream)
	s.mux.HandleFunc("/api/files/download/", s.handleFileDownload)
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the routes without starting a listener
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	s.logger.Info("Starting screencap web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// handleIndex serves the control page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Try to read the HTML file directly
	htmlContent, err := os.ReadFile("web/static/index.html")
	if err != nil {
		htmlContent = []byte(defaultHTML)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(htmlContent)
}

// handleStart begins a recording (IDLE -> RECORDING)
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	opts, err := parseStartOptions(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "start")
		return
	}

	s.logger.Debug("Start request received", "source", opts.Source, "target", opts.Target, "profile", opts.Profile)
	if err := s.service.Start(r.Context(), opts); err != nil {
		s.sendKindError(w, err, http.StatusBadRequest, "Failed to start recording", "operation", "start")
		return
	}

	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

func parseStartOptions(r *http.Request) (service.StartOptions, error) {
	var opts service.StartOptions
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && err != io.EOF {
			return opts, fmt.Errorf("Failed to parse request body: %v", err)
		}
		return opts, nil
	}

	if err := r.ParseForm(); err != nil {
		return opts, fmt.Errorf("Failed to parse form")
	}
	opts.Source = r.FormValue("source")
	opts.Target = r.FormValue("target")
	opts.Profile = r.FormValue("profile")
	if v := r.FormValue("microphone"); v != "" {
		mic, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("Invalid microphone value %q", v)
		}
		opts.Microphone = &mic
	}
	return opts, nil
}

// handleStop stops the current recording and reports the saved file
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	res, err := s.service.Stop(r.Context())
	s.sendResult(w, res, err, "Failed to stop recording", "stop")
}

// handleFocus reports that the recorder UI regained focus
func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	res, err := s.service.Focus(r.Context())
	s.sendResult(w, res, err, "Failed to stop recording", "focus")
}

// handleCommand relays an external command such as "command-stop"
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var body struct {
		Command string `json:"command"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse request body", "operation", "command")
			return
		}
	} else {
		body.Command = r.FormValue("command")
	}
	if body.Command == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Command is required", "operation", "command")
		return
	}

	res, err := s.service.Command(r.Context(), body.Command)
	s.sendResult(w, res, err, "Command failed", "command")
}

func (s *Server) sendResult(w http.ResponseWriter, res *session.Result, err error, prefix, op string) {
	if err != nil {
		s.sendKindError(w, err, http.StatusInternalServerError, prefix, "operation", op)
		return
	}
	if res == nil {
		s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Ignored"})
		return
	}
	s.sendJSON(w, http.StatusOK, StopResponse{
		GenericResponse: GenericResponse{Success: true, Message: "Saved: " + res.Filename},
		Filename:        res.Filename,
		Location:        res.Location,
		MimeType:        res.MimeType,
		Size:            int64(res.Size),
		SizeHuman:       service.FormatBytes(int64(res.Size)),
		Duration:        res.Duration.Round(time.Millisecond).String(),
	})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	s.sendJSON(w, http.StatusOK, s.service.GetStatus())
}

// handleTargets lists capture targets, optionally filtered with ?kind=screen,window
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	var kinds []capture.SourceKind
	if v := r.URL.Query().Get("kind"); v != "" {
		for _, name := range strings.Split(v, ",") {
			kind, err := capture.ParseSourceKind(strings.TrimSpace(name))
			if err != nil {
				s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "targets")
				return
			}
			kinds = append(kinds, kind)
		}
	}

	targets, err := s.service.Targets(r.Context(), kinds)
	if err != nil {
		s.sendKindError(w, err, http.StatusInternalServerError, "Failed to list targets", "operation", "targets")
		return
	}
	if targets == nil {
		targets = []capture.Target{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"targets": targets})
}

// handleFormats lists the recording formats this machine can produce
func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	formats, err := s.service.Formats(r.Context())
	if err != nil {
		s.sendKindError(w, err, http.StatusInternalServerError, "Failed to probe formats", "operation", "formats")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"formats": formats})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	profiles, active, err := s.service.Profiles()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list profiles: %v", err), "operation", "profiles")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"active":   active,
	})
}

// handleSelectProfile switches and persists the active profile
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	var body struct {
		Profile string `json:"profile"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse request body", "operation", "select_profile")
			return
		}
	} else {
		body.Profile = r.FormValue("profile")
	}
	if body.Profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "select_profile")
		return
	}

	if err := s.service.SelectProfile(body.Profile); err != nil {
		s.sendKindError(w, err, http.StatusBadRequest, fmt.Sprintf("Failed to select profile '%s'", body.Profile),
			"profile", body.Profile, "operation", "select_profile")
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile '%s' selected", body.Profile)})
}

// handleFiles lists the saved recordings, newest first
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read output directory: %v", err), "operation", "files")
		return
	}

	files := make([]FileInfo, 0, len(recordings))
	for _, rec := range recordings {
		files = append(files, FileInfo{
			Name:         rec.Name,
			Size:         rec.Size,
			SizeHuman:    service.FormatBytes(rec.Size),
			ModTime:      rec.ModTime,
			ModTimeHuman: rec.ModTime.Format("2006-01-02 15:04:05"),
			Extension:    strings.TrimPrefix(strings.ToLower(filepath.Ext(rec.Name)), "."),
			StreamURL:    "/api/files/stream/" + rec.Name,
			DownloadURL:  "/api/files/download/" + rec.Name,
		})
	}

	s.sendJSON(w, http.StatusOK, FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: s.service.GetConfig().Output.Directory,
	})
}

// handleFileStream serves a recording inline with range support
func (s *Server) handleFileStream(w http.ResponseWriter, r *http.Request) {
	s.serveRecording(w, r, strings.TrimPrefix(r.URL.Path, "/api/files/stream/"), false)
}

// handleFileDownload serves a recording as an attachment
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	s.serveRecording(w, r, strings.TrimPrefix(r.URL.Path, "/api/files/download/"), true)
}

func (s *Server) serveRecording(w http.ResponseWriter, r *http.Request, filename string, attachment bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}
	// Validate filename (prevent path traversal)
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	path, err := s.service.RecordingPath(filename)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		http.Error(w, "Error opening file", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	switch {
	case strings.HasSuffix(filename, ".webm"):
		contentType = "video/webm"
	case strings.HasSuffix(filename, ".mp4"):
		contentType = "video/mp4"
	case contentType == "":
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if attachment {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	}

	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// allow writes a JSON 405 unless the request uses method
func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	s.sendJSON(w, http.StatusMethodNotAllowed, GenericResponse{Success: false, Error: "Method not allowed"})
	return false
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// sendKindError maps a typed failure to its HTTP status. Untyped errors use fallback.
func (s *Server) sendKindError(w http.ResponseWriter, err error, fallback int, prefix string, logContext ...interface{}) {
	kind := errors.KindOf(err)
	code := statusForKind(kind)
	if code == 0 {
		code = fallback
	}

	logFields := append([]interface{}{"error_message", err.Error(), "status_code", code, "kind", kind}, logContext...)
	s.logger.Error("Sending error response to client", logFields...)

	resp := GenericResponse{Success: false, Error: fmt.Sprintf("%s: %v", prefix, err)}
	if kind != errors.KindUnknown {
		resp.Kind = kind
	}
	s.sendJSON(w, code, resp)
}

func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindAlreadyRecording, errors.KindNotRecording:
		return http.StatusConflict
	case errors.KindUserCancelled:
		return http.StatusBadRequest
	case errors.KindPermissionDenied:
		return http.StatusForbidden
	case errors.KindPlatformUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindNoSupportedFormat, errors.KindEmptyRecording:
		return http.StatusUnprocessableEntity
	case errors.KindUploadFailed:
		return http.StatusBadGateway
	case errors.KindCaptureFailed, errors.KindEncoderFault:
		return http.StatusInternalServerError
	default:
		return 0
	}
}

// sendErrorResponse sends a standardized error response and logs the error with context
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	s.logger.Error("Sending error response to client", logFields...)

	s.sendJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
