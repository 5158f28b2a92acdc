package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/truepast/truepast-backend/render"
	"github.com/truepast/truepast-backend/visuals"
	"github.com/truepast/truepast-backend/voice"
)

// Stages a render can fail in, reported inside RenderError.
const (
	StageVoice   = "voice_synthesis"
	StageVisual  = "visual_sourcing"
	StageCompose = "composition"
)

// RenderError names the pipeline stage that failed and wraps the adapter
// error. Use errors.Is against the adapter sentinels to classify further.
type RenderError struct {
	Stage string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render failed at %s: %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// RenderJob is the ephemeral unit of work handed to the runner once a script
// is approved.
type RenderJob struct {
	ID     string
	ChatID string
	Script string
	Prompt string
}

// NewRenderJob creates a job with a fresh run ID.
func NewRenderJob(chatID, script, prompt string) *RenderJob {
	return &RenderJob{
		ID:     uuid.NewString()[:8],
		ChatID: chatID,
		Script: script,
		Prompt: prompt,
	}
}

// MediaArtifact is the result of a successful render. All paths live inside
// the job's work directory and are removed by Cleanup.
type MediaArtifact struct {
	AudioPath        string
	AudioDurationSec float64
	VisualPath       string
	VideoPath        string
	workDir          string
}

// Runner sequences voice synthesis, visual sourcing and composition for one
// approved script. Voice and visual have no data dependency and run
// concurrently; composition needs both and is never invoked after a failure.
type Runner struct {
	Synth      voice.Synthesizer
	Sourcer    visuals.Sourcer
	Compositor render.Compositor
	WorkDir    string
}

func NewRunner(synth voice.Synthesizer, sourcer visuals.Sourcer, compositor render.Compositor, workDir string) *Runner {
	return &Runner{
		Synth:      synth,
		Sourcer:    sourcer,
		Compositor: compositor,
		WorkDir:    workDir,
	}
}

// Render produces the final video for the job, or a RenderError naming the
// stage that failed. On failure nothing of the job outlives the call.
func (r *Runner) Render(ctx context.Context, job *RenderJob) (*MediaArtifact, error) {
	// A workspace failure is local setup, not a pipeline stage.
	jobDir := filepath.Join(r.WorkDir, job.ID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("create job dir %s: %w", jobDir, err)
	}

	log.Printf("[pipeline] Render %s starting for chat %s (%q)", job.ID, job.ChatID, job.Prompt)

	var audio *voice.Audio
	var visual *visuals.Visual
	var voiceErr, visualErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		audio, voiceErr = r.Synth.SynthesizeVoice(gctx, job.Script, filepath.Join(jobDir, "narration.mp3"))
		return voiceErr
	})
	g.Go(func() error {
		visual, visualErr = r.Sourcer.SourceVisual(gctx, job.Prompt, filepath.Join(jobDir, "background.jpg"))
		return visualErr
	})

	if err := g.Wait(); err != nil {
		os.RemoveAll(jobDir)
		// Voice failure wins the report when both stages failed together.
		if voiceErr != nil {
			return nil, &RenderError{Stage: StageVoice, Err: voiceErr}
		}
		return nil, &RenderError{Stage: StageVisual, Err: visualErr}
	}

	videoPath := filepath.Join(jobDir, "final.mp4")
	if err := r.Compositor.ComposeVideo(ctx, audio, visual.Path, job.Prompt, videoPath); err != nil {
		os.RemoveAll(jobDir)
		return nil, &RenderError{Stage: StageCompose, Err: err}
	}

	log.Printf("[pipeline] Render %s complete: %s (%.2fs)", job.ID, videoPath, audio.DurationSec)

	return &MediaArtifact{
		AudioPath:        audio.Path,
		AudioDurationSec: audio.DurationSec,
		VisualPath:       visual.Path,
		VideoPath:        videoPath,
		workDir:          jobDir,
	}, nil
}

// Cleanup removes everything the render produced, the final video included.
// Call it after the video has been delivered.
func (a *MediaArtifact) Cleanup() {
	if a.workDir == "" {
		return
	}
	if err := os.RemoveAll(a.workDir); err != nil {
		log.Printf("[pipeline] Warning: cleanup of %s failed: %v", a.workDir, err)
	}
}
