package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/audiolibrelab/screencap/internal/errors"
)

// X11 captures screens and windows of an X display through ffmpeg x11grab.
type X11 struct {
	Display string
	logger  *slog.Logger
}

func NewX11(display string, logger *slog.Logger) *X11 {
	if logger == nil {
		logger = slog.Default()
	}
	return &X11{Display: display, logger: logger.With("component", "x11")}
}

func (x *X11) display() string {
	if x.Display != "" {
		return x.Display
	}
	return os.Getenv("DISPLAY")
}

// Probe checks that the display exists and accepts connections.
func (x *X11) Probe(ctx context.Context) error {
	display := x.display()
	if display == "" {
		return errors.Newf(errors.KindPlatformUnavailable, "x11", "DISPLAY is not set")
	}
	for _, tool := range []string{"xdpyinfo", "xrandr", "wmctrl"} {
		if _, err := exec.LookPath(tool); err != nil {
			return errors.Wrap(errors.KindPlatformUnavailable, "x11", fmt.Errorf("%s not found: %w", tool, err))
		}
	}

	cmd := exec.CommandContext(ctx, "xdpyinfo", "-display", display)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(errors.KindPermissionDenied, "x11",
			fmt.Errorf("cannot open display %s: %s", display, strings.TrimSpace(stderr.String())))
	}
	return nil
}

// Screens lists the monitors of the display.
func (x *X11) Screens(ctx context.Context) ([]Target, error) {
	out, err := exec.CommandContext(ctx, "xrandr", "--display", x.display(), "--listmonitors").Output()
	if err != nil {
		return nil, errors.Wrap(errors.KindPermissionDenied, "xrandr", err)
	}
	return parseMonitors(string(out), x.display()), nil
}

// Windows lists the top-level windows managed by the window manager.
func (x *X11) Windows(ctx context.Context) ([]Target, error) {
	cmd := exec.CommandContext(ctx, "wmctrl", "-l", "-G")
	cmd.Env = append(os.Environ(), "DISPLAY="+x.display())
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(errors.KindPermissionDenied, "wmctrl", err)
	}
	return parseWindows(string(out), x.display()), nil
}

// Open builds the x11grab input for a screen or window target.
func (x *X11) Open(ctx context.Context, target Target, c VideoConstraints) (*MediaStream, error) {
	if err := x.Probe(ctx); err != nil {
		return nil, err
	}

	in, err := x11grabInput(target, x.display(), c)
	if err != nil {
		return nil, err
	}

	stream := NewMediaStream(target.Kind, target, []Input{in}, func() error {
		// ffmpeg owns the X connection; nothing to tear down here
		return nil
	})
	stream.AddTrack(TrackVideo, target.Label, 0)

	x.logger.Debug("Opened x11grab input", "target", target.Label, "args", strings.Join(in.Args(), " "))
	return stream, nil
}

func x11grabInput(target Target, display string, c VideoConstraints) (Input, error) {
	if target.Display != "" {
		display = target.Display
	}
	options := []string{"-f", "x11grab", "-draw_mouse", "1"}
	if c.MaxFrameRate > 0 {
		options = append(options, "-framerate", strconv.Itoa(c.MaxFrameRate))
	}

	switch target.Kind {
	case SourceScreen:
		if target.Width > 0 && target.Height > 0 {
			options = append(options, "-video_size", fmt.Sprintf("%dx%d", target.Width, target.Height))
		}
		return Input{
			Options: options,
			URL:     fmt.Sprintf("%s+%d,%d", display, target.X, target.Y),
		}, nil
	case SourceWindow:
		if target.ID == "" {
			return Input{}, errors.Newf(errors.KindCaptureFailed, "x11grab", "window target has no id")
		}
		options = append(options, "-window_id", target.ID)
		return Input{Options: options, URL: display}, nil
	default:
		return Input{}, errors.Newf(errors.KindCaptureFailed, "x11grab", "cannot capture %s targets", target.Kind)
	}
}

// Monitor lines look like " 0: +*eDP-1 1920/344x1080/194+0+0  eDP-1"
var monitorLine = regexp.MustCompile(`^\s*(\d+):\s+\+?\*?(\S+)\s+(\d+)/\d+x(\d+)/\d+\+(\d+)\+(\d+)`)

func parseMonitors(output, display string) []Target {
	var targets []Target
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		m := monitorLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		width, _ := strconv.Atoi(m[3])
		height, _ := strconv.Atoi(m[4])
		xOff, _ := strconv.Atoi(m[5])
		yOff, _ := strconv.Atoi(m[6])
		targets = append(targets, Target{
			ID:      m[2],
			Kind:    SourceScreen,
			Label:   m[2],
			Width:   width,
			Height:  height,
			X:       xOff,
			Y:       yOff,
			Display: display,
		})
	}
	return targets
}

// parseWindows reads `wmctrl -l -G`: id desktop x y w h host title...
// Sticky windows (desktop -1) such as panels are skipped.
func parseWindows(output, display string) []Target {
	var targets []Target
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 || !strings.HasPrefix(fields[0], "0x") {
			continue
		}
		if fields[1] == "-1" {
			continue
		}
		width, _ := strconv.Atoi(fields[4])
		height, _ := strconv.Atoi(fields[5])
		targets = append(targets, Target{
			ID:      fields[0],
			Kind:    SourceWindow,
			Label:   strings.Join(fields[7:], " "),
			Width:   width,
			Height:  height,
			Display: display,
		})
	}
	return targets
}

// WindowHooks minimizes the active window before recording and restores it
// afterwards, using xdotool.
type WindowHooks struct {
	x      *X11
	window string
}

func NewWindowHooks(x *X11) *WindowHooks {
	return &WindowHooks{x: x}
}

// Minimize hides the currently active window, remembering it for Restore.
func (h *WindowHooks) Minimize(ctx context.Context) error {
	if _, err := exec.LookPath("xdotool"); err != nil {
		return fmt.Errorf("xdotool not found: %w", err)
	}
	out, err := h.command(ctx, "getactivewindow").Output()
	if err != nil {
		return fmt.Errorf("failed to get active window: %w", err)
	}
	h.window = strings.TrimSpace(string(out))
	if err := h.command(ctx, "windowminimize", h.window).Run(); err != nil {
		return fmt.Errorf("failed to minimize window %s: %w", h.window, err)
	}
	h.x.logger.Debug("Minimized window", "window", h.window)
	return nil
}

// Restore re-activates the window hidden by Minimize, if any.
func (h *WindowHooks) Restore(ctx context.Context) error {
	if h.window == "" {
		return nil
	}
	window := h.window
	h.window = ""
	if err := h.command(ctx, "windowactivate", window).Run(); err != nil {
		return fmt.Errorf("failed to restore window %s: %w", window, err)
	}
	h.x.logger.Debug("Restored window", "window", window)
	return nil
}

func (h *WindowHooks) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "xdotool", args...)
	cmd.Env = append(os.Environ(), "DISPLAY="+h.x.display())
	return cmd
}
