package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/metrics"
	"github.com/technosupport/ts-parkops/internal/platform/paths"
)

// Grabber extracts one JPEG frame from an RTSP replay stream with ffmpeg.
// Frames are normalized to 1920x1080 with letterboxing so stall regions keep
// their pixel coordinates across camera models.
type Grabber struct {
	bin          string
	warmupFrames int
	timeout      time.Duration
}

func NewGrabber(cfg config.CaptureConfig) *Grabber {
	bin := cfg.FFmpegBin
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Grabber{
		bin:          bin,
		warmupFrames: cfg.WarmupFrames,
		timeout:      cfg.CaptureTimeout(),
	}
}

// FileName is the canonical screenshot name for one captured segment:
// <ip with dots underscored>_<start>_<end>_<channel>.jpg
func FileName(nvrIP string, startTS, endTS int64, channelCode string) string {
	return fmt.Sprintf("%s_%d_%d_%s.jpg",
		strings.ReplaceAll(nvrIP, ".", "_"), startTS, endTS, channelCode)
}

// OutputPath places a screenshot under <root>/<date>/<name>, creating the
// date directory.
func OutputPath(date, name string) (string, error) {
	dir, err := paths.SafeJoin(paths.ScreenshotRoot(), date)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// args builds the ffmpeg invocation. The replay URL goes in verbatim; NVR
// credentials inside it must not be re-encoded.
func (g *Grabber) args(replayURL, outPath string) []string {
	vf := fmt.Sprintf(
		"select=gte(n\\,%d),scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2",
		g.warmupFrames)
	return []string{
		"-y",
		"-rtsp_transport", "tcp",
		"-i", replayURL,
		"-vf", vf,
		"-vsync", "vfr",
		"-vframes", "1",
		"-f", "image2",
		outPath,
	}
}

// Grab pulls one frame of the replay stream into outPath. The ffmpeg process
// is killed at the configured wall-clock timeout; a zero-byte output counts
// as a failure and is removed.
func (g *Grabber) Grab(ctx context.Context, replayURL, outPath string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.bin, g.args(replayURL, outPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	metrics.CaptureSeconds.Observe(time.Since(start).Seconds())

	if ctx.Err() == context.DeadlineExceeded {
		os.Remove(outPath)
		return fmt.Errorf("ffmpeg timed out after %s", g.timeout)
	}
	if err != nil {
		os.Remove(outPath)
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 300))
	}

	info, statErr := os.Stat(outPath)
	if statErr != nil || info.Size() == 0 {
		os.Remove(outPath)
		return fmt.Errorf("ffmpeg produced no frame: %s", tail(stderr.String(), 300))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
