package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/audiolibrelab/screencap/internal/errors"
)

const (
	screencastQuality = 80
	frameBuffer       = 8
	stopTimeout       = 2 * time.Second
)

// Chrome captures browser tabs through the DevTools screencast of a running
// Chrome started with --remote-debugging-port.
type Chrome struct {
	URL    string
	logger *slog.Logger
}

func NewChrome(devtoolsURL string, logger *slog.Logger) *Chrome {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chrome{URL: devtoolsURL, logger: logger.With("component", "chrome")}
}

func (c *Chrome) Probe() error {
	if c.URL == "" {
		return errors.Newf(errors.KindPlatformUnavailable, "chrome", "no DevTools endpoint configured")
	}
	return nil
}

// Tabs lists the page targets of the browser.
func (c *Chrome) Tabs(ctx context.Context) ([]Target, error) {
	if err := c.Probe(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, c.URL)
	defer allocCancel()
	cctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	infos, err := chromedp.Targets(cctx)
	if err != nil {
		return nil, errors.Wrap(errors.KindPermissionDenied, "devtools", err)
	}

	// Targets attaches through a fresh blank tab of its own
	var own target.ID
	if cc := chromedp.FromContext(cctx); cc != nil && cc.Target != nil {
		own = cc.Target.TargetID
	}
	return pageTargets(infos, own), nil
}

func pageTargets(infos []*target.Info, skip target.ID) []Target {
	var tabs []Target
	for _, info := range infos {
		if info.Type != "page" || info.TargetID == skip {
			continue
		}
		if strings.HasPrefix(info.URL, "devtools://") || strings.HasPrefix(info.URL, "chrome-extension://") {
			continue
		}
		label := info.Title
		if label == "" {
			label = info.URL
		}
		tabs = append(tabs, Target{
			ID:    string(info.TargetID),
			Kind:  SourceTab,
			Label: label,
			URL:   info.URL,
		})
	}
	return tabs
}

// Open attaches to the tab and starts a JPEG screencast piped into an
// image2pipe input. Release stops the screencast and detaches.
func (c *Chrome) Open(ctx context.Context, t Target, vc VideoConstraints) (*MediaStream, error) {
	if err := c.Probe(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), c.URL)
	tctx, tcancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(t.ID)))
	cancel := func() {
		tcancel()
		allocCancel()
	}

	pr, pw := io.Pipe()
	frames := make(chan *page.EventScreencastFrame, frameBuffer)
	var closeOnce sync.Once
	closeFrames := func() { closeOnce.Do(func() { close(frames) }) }
	var framesMu sync.Mutex
	closed := false

	chromedp.ListenTarget(tctx, func(ev interface{}) {
		f, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		framesMu.Lock()
		defer framesMu.Unlock()
		if closed {
			return
		}
		select {
		case frames <- f:
		default:
			// Encoder is behind; ack so the browser keeps sending
			go func(id int64) {
				_ = chromedp.Run(tctx, page.ScreencastFrameAck(id))
			}(f.SessionID)
		}
	})

	start := page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(screencastQuality).
		WithEveryNthFrame(1)
	if vc.MaxWidth > 0 {
		start = start.WithMaxWidth(int64(vc.MaxWidth))
	}
	if vc.MaxHeight > 0 {
		start = start.WithMaxHeight(int64(vc.MaxHeight))
	}

	if err := chromedp.Run(tctx, start); err != nil {
		cancel()
		_ = pw.Close()
		return nil, errors.Wrap(errors.KindCaptureFailed, "screencast", fmt.Errorf("tab %s: %w", t.Label, err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range frames {
			data, err := base64.StdEncoding.DecodeString(f.Data)
			if err == nil {
				if _, err := pw.Write(data); err != nil {
					c.logger.Debug("Screencast pipe closed", "error", err)
					return
				}
			}
			_ = chromedp.Run(tctx, page.ScreencastFrameAck(f.SessionID))
		}
	}()

	release := func() error {
		stopCtx, stopCancel := context.WithTimeout(tctx, stopTimeout)
		err := chromedp.Run(stopCtx, page.StopScreencast())
		stopCancel()

		framesMu.Lock()
		closed = true
		closeFrames()
		framesMu.Unlock()

		_ = pw.Close()
		<-done
		cancel()
		if err != nil {
			return fmt.Errorf("failed to stop screencast: %w", err)
		}
		return nil
	}

	options := []string{"-use_wallclock_as_timestamps", "1", "-f", "image2pipe", "-c:v", "mjpeg"}
	if vc.MaxFrameRate > 0 {
		options = append(options, "-framerate", strconv.Itoa(vc.MaxFrameRate))
	}

	stream := NewMediaStream(SourceTab, t, []Input{{Options: options, Reader: pr}}, release)
	stream.AddTrack(TrackVideo, t.Label, 0)

	c.logger.Debug("Started tab screencast", "tab", t.Label, "url", t.URL)
	return stream, nil
}
