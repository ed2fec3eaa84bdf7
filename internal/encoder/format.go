package encoder

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/audiolibrelab/screencap/internal/errors"
)

const (
	ContainerMP4  = "mp4"
	ContainerWebM = "webm"
)

// Profile is one container/codec combination the encoder can produce.
type Profile struct {
	MimeType    string   `json:"mime_type"`
	Container   string   `json:"container"`
	VideoCodec  string   `json:"video_codec"`
	AudioCodec  string   `json:"audio_codec"`
	Accelerator string   `json:"accelerator,omitempty"`
	GlobalArgs  []string `json:"-"` // before the inputs
	VideoFilter string   `json:"-"` // appended to the scale chain
	VideoArgs   []string `json:"-"`
	AudioArgs   []string `json:"-"`
}

// Extension returns the file extension for artifacts of this profile.
func (p Profile) Extension() string {
	if p.Container == ContainerMP4 {
		return "mp4"
	}
	return "webm"
}

// MuxArgs returns the streaming muxer options written to stdout.
func (p Profile) MuxArgs() []string {
	if p.Container == ContainerMP4 {
		return []string{"-f", "mp4", "-movflags", "frag_keyframe+empty_moov+default_base_moof"}
	}
	return []string{"-f", "webm", "-cluster_time_limit", "1000"}
}

const (
	MimeMP4Main  = "video/mp4;codecs=avc1.4d002a,mp4a.40.2"
	MimeMP4Base  = "video/mp4;codecs=avc1.42E01E,mp4a.40.2"
	MimeWebMVP9  = "video/webm;codecs=vp9,opus"
	MimeWebMVP8  = "video/webm;codecs=vp8,opus"
	MimeBaseline = "video/webm"
)

var aacArgs = []string{"-c:a", "aac", "-b:a", "128k", "-ar", "48000"}
var opusArgs = []string{"-c:a", "libopus", "-b:a", "128k", "-ar", "48000"}

// DefaultProfiles lists every candidate in preference order. Hardware H.264
// variants come first; the last entry is the baseline.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			MimeType: MimeMP4Main, Container: ContainerMP4,
			VideoCodec: "h264_nvenc", AudioCodec: "aac", Accelerator: "cuda",
			VideoFilter: "format=yuv420p",
			VideoArgs:   []string{"-c:v", "h264_nvenc", "-preset", "p4", "-tune", "ll", "-profile:v", "main", "-g", "60"},
			AudioArgs:   aacArgs,
		},
		{
			MimeType: MimeMP4Main, Container: ContainerMP4,
			VideoCodec: "h264_qsv", AudioCodec: "aac", Accelerator: "qsv",
			VideoFilter: "format=nv12",
			VideoArgs:   []string{"-c:v", "h264_qsv", "-preset", "veryfast", "-profile:v", "main", "-g", "60"},
			AudioArgs:   aacArgs,
		},
		{
			MimeType: MimeMP4Main, Container: ContainerMP4,
			VideoCodec: "h264_videotoolbox", AudioCodec: "aac", Accelerator: "videotoolbox",
			VideoFilter: "format=yuv420p",
			VideoArgs:   []string{"-c:v", "h264_videotoolbox", "-realtime", "true", "-profile:v", "main", "-g", "60"},
			AudioArgs:   aacArgs,
		},
		{
			MimeType: MimeMP4Main, Container: ContainerMP4,
			VideoCodec: "h264_vaapi", AudioCodec: "aac", Accelerator: "vaapi",
			GlobalArgs:  []string{"-vaapi_device", "/dev/dri/renderD128"},
			VideoFilter: "format=nv12,hwupload",
			VideoArgs:   []string{"-c:v", "h264_vaapi", "-profile:v", "main", "-g", "60"},
			AudioArgs:   aacArgs,
		},
		{
			MimeType: MimeMP4Base, Container: ContainerMP4,
			VideoCodec: "libx264", AudioCodec: "aac",
			VideoFilter: "format=yuv420p",
			VideoArgs:   []string{"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency", "-profile:v", "baseline", "-g", "60"},
			AudioArgs:   aacArgs,
		},
		{
			MimeType: MimeWebMVP9, Container: ContainerWebM,
			VideoCodec: "libvpx-vp9", AudioCodec: "libopus",
			VideoFilter: "format=yuv420p",
			VideoArgs:   []string{"-c:v", "libvpx-vp9", "-deadline", "realtime", "-cpu-used", "8", "-row-mt", "1", "-b:v", "2M", "-g", "60"},
			AudioArgs:   opusArgs,
		},
		{
			MimeType: MimeWebMVP8, Container: ContainerWebM,
			VideoCodec: "libvpx", AudioCodec: "libopus",
			VideoFilter: "format=yuv420p",
			VideoArgs:   []string{"-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8", "-b:v", "2M", "-g", "60"},
			AudioArgs:   opusArgs,
		},
		baselineProfile(),
	}
}

func baselineProfile() Profile {
	return Profile{
		MimeType: MimeBaseline, Container: ContainerWebM,
		VideoCodec: "libvpx", AudioCodec: "libvorbis",
		VideoFilter: "format=yuv420p",
		VideoArgs:   []string{"-c:v", "libvpx", "-deadline", "realtime", "-b:v", "1M"},
		AudioArgs:   []string{"-c:a", "libvorbis", "-ar", "48000"},
	}
}

// Capabilities is what the local ffmpeg build supports.
type Capabilities struct {
	Encoders map[string]bool
	Muxers   map[string]bool
	HWAccels map[string]bool
}

// Supports reports whether every piece of the profile is available.
func (c *Capabilities) Supports(p Profile) bool {
	if !c.Encoders[p.VideoCodec] || !c.Encoders[p.AudioCodec] || !c.Muxers[p.Container] {
		return false
	}
	if p.Accelerator != "" && !c.HWAccels[p.Accelerator] {
		return false
	}
	return true
}

// Prober queries ffmpeg and caches the first successful result.
type Prober struct {
	Binary string

	mu   sync.Mutex
	caps *Capabilities
}

func NewProber() *Prober {
	return &Prober{Binary: "ffmpeg"}
}

// Capabilities runs `ffmpeg -encoders`, `-muxers` and `-hwaccels` until one
// probe succeeds. Failures are not cached, so a cancelled caller does not
// poison later ones.
func (p *Prober) Capabilities(ctx context.Context) (*Capabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.caps != nil {
		return p.caps, nil
	}
	caps, err := p.probe(ctx)
	if err != nil {
		return nil, err
	}
	p.caps = caps
	return caps, nil
}

func (p *Prober) probe(ctx context.Context) (*Capabilities, error) {
	if _, err := exec.LookPath(p.Binary); err != nil {
		return nil, errors.Wrap(errors.KindPlatformUnavailable, "probe", fmt.Errorf("%s not found: %w", p.Binary, err))
	}

	encoders, err := p.run(ctx, "-encoders")
	if err != nil {
		return nil, err
	}
	muxers, err := p.run(ctx, "-muxers")
	if err != nil {
		return nil, err
	}
	hwaccels, err := p.run(ctx, "-hwaccels")
	if err != nil {
		// Older builds lack -hwaccels; hardware profiles are skipped
		slog.Debug("ffmpeg -hwaccels failed", "error", err)
		hwaccels = ""
	}

	return &Capabilities{
		Encoders: parseCodecList(encoders),
		Muxers:   parseMuxerList(muxers),
		HWAccels: parseHWAccels(hwaccels),
	}, nil
}

func (p *Prober) run(ctx context.Context, flag string) (string, error) {
	out, err := exec.CommandContext(ctx, p.Binary, "-hide_banner", flag).Output()
	if err != nil {
		return "", errors.Wrap(errors.KindPlatformUnavailable, "probe", fmt.Errorf("ffmpeg %s: %w", flag, err))
	}
	return string(out), nil
}

// Negotiate returns the first supported profile whose MIME type is allowed.
// An empty allow list allows everything. The baseline is always tried last.
func (p *Prober) Negotiate(ctx context.Context, allowed []string) (Profile, error) {
	caps, err := p.Capabilities(ctx)
	if err != nil {
		return Profile{}, err
	}
	return Select(caps, DefaultProfiles(), allowed)
}

// Select picks from candidates in order.
func Select(caps *Capabilities, candidates []Profile, allowed []string) (Profile, error) {
	for _, profile := range candidates {
		if !mimeAllowed(profile.MimeType, allowed) {
			continue
		}
		if caps.Supports(profile) {
			return profile, nil
		}
	}

	baseline := baselineProfile()
	if caps.Supports(baseline) {
		return baseline, nil
	}
	return Profile{}, errors.Newf(errors.KindNoSupportedFormat, "negotiate", "ffmpeg supports none of the %d candidate formats", len(candidates))
}

// Supported returns every candidate the local ffmpeg can produce.
func (p *Prober) Supported(ctx context.Context) ([]Profile, error) {
	caps, err := p.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	var out []Profile
	for _, profile := range DefaultProfiles() {
		if caps.Supports(profile) {
			out = append(out, profile)
		}
	}
	return out, nil
}

func mimeAllowed(mime string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.ReplaceAll(a, " ", ""), mime) {
			return true
		}
	}
	return false
}

// parseCodecList reads the table printed by `ffmpeg -encoders`:
// " V....D libx264              libx264 H.264 / AVC ..."
func parseCodecList(output string) map[string]bool {
	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	inTable := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			result[fields[1]] = true
		}
	}
	return result
}

// parseMuxerList reads `ffmpeg -muxers`: "  E mp4             MP4 (MPEG-4 Part 14)".
// Names may be comma separated aliases.
func parseMuxerList(output string) map[string]bool {
	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	inTable := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "--" || strings.HasPrefix(line, "---") {
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "E") {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			result[name] = true
		}
	}
	return result
}

func parseHWAccels(output string) map[string]bool {
	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && line != "Hardware acceleration methods:" {
			result[line] = true
		}
	}
	return result
}
