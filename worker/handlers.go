package worker

import (
	"context"
	"encoding/json"
	"log"

	"github.com/truepast/truepast-backend/models"
	"github.com/truepast/truepast-backend/pipeline"
	"github.com/truepast/truepast-backend/tasks"
)

// RenderResultFunc receives the outcome of a render so the conversation layer
// can deliver the video and advance the session. Exactly one of artifact and
// renderErr is set.
type RenderResultFunc func(chatID string, artifact *pipeline.MediaArtifact, renderErr error)

// RenderHandler binds the pipeline runner and the result callback to the
// queue processor.
type RenderHandler struct {
	Processor *Processor
	Runner    *pipeline.Runner
	OnResult  RenderResultFunc
}

// HandleRenderVideo processes tasks from QueueVideoRender: runs the media
// pipeline, records the outcome and hands the result back to the
// conversation layer.
func (h *RenderHandler) HandleRenderVideo(ctx context.Context, payload string) error {
	var task tasks.RenderTaskPayload
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return err
	}

	log.Printf("Rendering video for chat %s (record %d)...", task.ChatID, task.RecordID)
	h.updateRecord(task.RecordID, map[string]interface{}{"status": models.RenderStatusRendering})

	job := pipeline.NewRenderJob(task.ChatID, task.Script, task.Prompt)
	artifact, err := h.Runner.Render(ctx, job)
	if err != nil {
		log.Printf("Render failed for chat %s: %v", task.ChatID, err)
		h.updateRecord(task.RecordID, map[string]interface{}{"status": models.RenderStatusFailed})
		h.OnResult(task.ChatID, nil, err)
		return err
	}

	h.updateRecord(task.RecordID, map[string]interface{}{
		"status":       models.RenderStatusComplete,
		"video_path":   artifact.VideoPath,
		"duration_sec": artifact.AudioDurationSec,
	})

	log.Printf("Render complete for chat %s (%.2fs)", task.ChatID, artifact.AudioDurationSec)
	h.OnResult(task.ChatID, artifact, nil)
	return nil
}

func (h *RenderHandler) updateRecord(recordID uint, fields map[string]interface{}) {
	if h.Processor.DB == nil || recordID == 0 {
		return
	}
	if err := h.Processor.DB.Model(&models.RenderRecord{}).Where("id = ?", recordID).Updates(fields).Error; err != nil {
		log.Printf("Error updating render record %d: %v", recordID, err)
	}
}
