package capture

import (
	"context"
	"log/slog"

	"github.com/audiolibrelab/screencap/internal/errors"
)

// Platform enumerates and opens capture sources.
type Platform interface {
	Targets(ctx context.Context, kinds []SourceKind) ([]Target, error)
	OpenVideo(ctx context.Context, target Target, constraints VideoConstraints) (*MediaStream, error)
	OpenMicrophone(ctx context.Context) (*MediaStream, error)
}

// Picker is the user-facing capture target selection.
type Picker interface {
	Pick(ctx context.Context, targets []Target) (Target, error)
}

// Negotiator turns a Request into a live MixedStream.
type Negotiator struct {
	platform Platform
	picker   Picker
	logger   *slog.Logger
}

func NewNegotiator(platform Platform, picker Picker, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		platform: platform,
		picker:   picker,
		logger:   logger.With("component", "negotiator"),
	}
}

// Resolve selects a target, opens it and the optional microphone, and
// composes them. The caller owns the returned handles. Anything acquired
// before a fatal failure is released before returning.
func (n *Negotiator) Resolve(ctx context.Context, req Request) (*MixedStream, error) {
	kinds := req.Sources
	if len(kinds) == 0 {
		kinds = VideoKinds
	}

	targets, err := n.platform.Targets(ctx, kinds)
	if err != nil {
		return nil, kinded(errors.KindPlatformUnavailable, "list targets", err)
	}
	if len(targets) == 0 {
		return nil, errors.Newf(errors.KindCaptureFailed, "list targets", "no %v targets available", kinds)
	}

	target, err := n.pickerFor(req, targets).Pick(ctx, targets)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindUserCancelled, "pick target", ctx.Err())
		}
		return nil, kinded(errors.KindUserCancelled, "pick target", err)
	}
	n.logger.Debug("Capture target selected", "target", target.String())

	video, err := n.platform.OpenVideo(ctx, target, req.Video)
	if err != nil {
		return nil, kinded(errors.KindCaptureFailed, "open video", err)
	}
	if len(video.VideoTracks()) == 0 {
		_ = video.Release()
		return nil, errors.Newf(errors.KindCaptureFailed, "open video", "%s has no video track", target.Label)
	}

	var mic *MediaStream
	if req.Microphone {
		mic, err = n.platform.OpenMicrophone(ctx)
		switch {
		case err != nil && req.MicrophoneRequired:
			_ = video.Release()
			return nil, kinded(errors.KindCaptureFailed, "open microphone", err)
		case err != nil:
			n.logger.Warn("Microphone unavailable, recording video only", "error", err)
			mic = nil
		case len(mic.AudioTracks()) == 0:
			n.logger.Warn("Microphone stream has no audio track, recording video only")
			_ = mic.Release()
			mic = nil
		}
	}

	mixed, err := Compose(video, mic)
	if err != nil {
		_ = ReleaseAll(video, mic)
		return nil, err
	}

	n.logger.Info("Capture streams ready",
		"source", target.Kind,
		"target", target.Label,
		"video_tracks", len(mixed.Video),
		"audio_tracks", len(mixed.Audio))

	return mixed, nil
}

// pickerFor honors a preselected target, matched by id and then by label.
func (n *Negotiator) pickerFor(req Request, targets []Target) Picker {
	if req.Target == "" {
		return n.picker
	}
	for _, t := range targets {
		if t.ID == req.Target {
			return &FixedPicker{ID: req.Target}
		}
	}
	return &FixedPicker{Label: req.Target}
}

// kinded keeps an existing kind and otherwise wraps err with the fallback kind.
func kinded(fallback errors.Kind, op string, err error) error {
	if errors.KindOf(err) != errors.KindUnknown {
		return err
	}
	return errors.Wrap(fallback, op, err)
}
