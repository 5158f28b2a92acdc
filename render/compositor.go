package render

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/truepast/truepast-backend/config"
	"github.com/truepast/truepast-backend/voice"
)

// ErrComposition wraps every failure of the video composition adapter.
var ErrComposition = errors.New("video composition failed")

// Compositor assembles narration audio and a background visual into the
// final video file. Output duration always follows the audio track.
type Compositor interface {
	ComposeVideo(ctx context.Context, audio *voice.Audio, visualPath string, title string, outPath string) error
}

// FFmpeg composes the video by looping the still over the narration and
// burning in the title caption plus a fixed watermark.
type FFmpeg struct {
	cfg *config.Config
}

func NewFFmpeg(cfg *config.Config) *FFmpeg {
	return &FFmpeg{cfg: cfg}
}

// ComposeVideo writes the final MP4 to outPath. The still is scaled and
// cropped to the configured vertical frame; -t pins the output to the audio
// duration so the looped image can never stretch it.
func (f *FFmpeg) ComposeVideo(ctx context.Context, audio *voice.Audio, visualPath string, title string, outPath string) error {
	if audio == nil || audio.DurationSec <= 0 {
		return fmt.Errorf("%w: no audio track", ErrComposition)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.ComposeTimeout())
	defer cancel()

	vf := f.filterChain(title)

	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-loop", "1",
		"-i", visualPath,
		"-i", audio.Path,
		"-t", fmt.Sprintf("%.3f", audio.DurationSec),
		"-vf", vf,
		"-r", fmt.Sprintf("%d", f.cfg.Video.FPS),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "22",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		outPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return fmt.Errorf("%w: ffmpeg: %v", ErrComposition, err)
	}

	log.Printf("[render] Composed video: %s (%.2fs)", outPath, audio.DurationSec)
	return nil
}

// filterChain builds the scale/crop + caption + watermark filter graph.
func (f *FFmpeg) filterChain(title string) string {
	w, h := f.cfg.Video.Width, f.cfg.Video.Height

	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", w, h),
		fmt.Sprintf("crop=%d:%d", w, h),
		"setsar=1",
	}

	if title != "" {
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=white:fontsize=64:borderw=3:bordercolor=black:x=(w-text_w)/2:y=h*0.08",
			escapeDrawtext(title),
		))
	}
	if f.cfg.Video.Watermark != "" {
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=white@0.6:fontsize=36:x=w-text_w-40:y=h-text_h-40",
			escapeDrawtext(f.cfg.Video.Watermark),
		))
	}

	return strings.Join(filters, ",")
}

// escapeDrawtext escapes the characters ffmpeg's drawtext filter treats
// specially inside a quoted text value.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return r.Replace(s)
}
