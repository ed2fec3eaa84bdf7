package capture

import (
	"context"
	"log/slog"

	"github.com/audiolibrelab/screencap/internal/errors"
)

// Desktop routes each source kind to its backend. A nil backend makes its
// kinds unavailable.
type Desktop struct {
	X11    *X11
	Chrome *Chrome
	Pulse  *Pulse

	// SystemAudio is the pulse monitor source attached to screen and window streams.
	SystemAudio string

	logger *slog.Logger
}

func NewDesktop(x *X11, chrome *Chrome, pulse *Pulse, systemAudio string, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{
		X11:         x,
		Chrome:      chrome,
		Pulse:       pulse,
		SystemAudio: systemAudio,
		logger:      logger.With("component", "desktop"),
	}
}

// Targets lists the targets of every requested kind. Kinds whose backend
// fails are skipped as long as another kind produced targets.
func (d *Desktop) Targets(ctx context.Context, kinds []SourceKind) ([]Target, error) {
	var all []Target
	var firstErr error

	for _, kind := range kinds {
		targets, err := d.targets(ctx, kind)
		if err != nil {
			d.logger.Debug("Source kind unavailable", "kind", kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		all = append(all, targets...)
	}

	if len(all) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return all, nil
}

func (d *Desktop) targets(ctx context.Context, kind SourceKind) ([]Target, error) {
	switch kind {
	case SourceScreen, SourceWindow:
		if d.X11 == nil {
			return nil, errors.Newf(errors.KindPlatformUnavailable, "targets", "%s capture is not configured", kind)
		}
		if err := d.X11.Probe(ctx); err != nil {
			return nil, err
		}
		var targets []Target
		var err error
		if kind == SourceScreen {
			targets, err = d.X11.Screens(ctx)
		} else {
			targets, err = d.X11.Windows(ctx)
		}
		if err != nil {
			return nil, err
		}
		for i := range targets {
			targets[i].SystemAudio = d.SystemAudio
		}
		return targets, nil
	case SourceTab:
		if d.Chrome == nil {
			return nil, errors.Newf(errors.KindPlatformUnavailable, "targets", "tab capture is not configured")
		}
		return d.Chrome.Tabs(ctx)
	default:
		return nil, errors.Newf(errors.KindPlatformUnavailable, "targets", "unknown source kind %q", kind)
	}
}

// OpenVideo opens the target and attaches its system audio monitor when one is
// configured. A missing monitor only costs the system audio.
func (d *Desktop) OpenVideo(ctx context.Context, target Target, c VideoConstraints) (*MediaStream, error) {
	switch target.Kind {
	case SourceScreen, SourceWindow:
		if d.X11 == nil {
			return nil, errors.Newf(errors.KindPlatformUnavailable, "open video", "%s capture is not configured", target.Kind)
		}
		stream, err := d.X11.Open(ctx, target, c)
		if err != nil {
			return nil, err
		}
		if target.SystemAudio != "" && d.Pulse != nil {
			in, err := d.Pulse.MonitorInput(ctx, target.SystemAudio)
			if err != nil {
				d.logger.Warn("System audio unavailable", "source", target.SystemAudio, "error", err)
			} else {
				stream.AddTrack(TrackAudio, "system audio", stream.AddInput(in))
			}
		}
		return stream, nil
	case SourceTab:
		if d.Chrome == nil {
			return nil, errors.Newf(errors.KindPlatformUnavailable, "open video", "tab capture is not configured")
		}
		return d.Chrome.Open(ctx, target, c)
	default:
		return nil, errors.Newf(errors.KindCaptureFailed, "open video", "cannot capture %q", target.Kind)
	}
}

func (d *Desktop) OpenMicrophone(ctx context.Context) (*MediaStream, error) {
	if d.Pulse == nil {
		return nil, errors.Newf(errors.KindPlatformUnavailable, "microphone", "no audio backend configured")
	}
	return d.Pulse.OpenMicrophone(ctx)
}
