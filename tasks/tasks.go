package tasks

import "encoding/json"

// ---
// QUEUE DEFINITIONS
// ---
const (
	// QueueVideoRender carries approved scripts waiting to be rendered.
	QueueVideoRender = "q_video_render"
)

// ---
// TASK PAYLOADS
// ---

// RenderTaskPayload is the payload for QueueVideoRender. It carries the full
// job so the render worker never has to read conversation state.
type RenderTaskPayload struct {
	RecordID uint   `json:"record_id"`
	ChatID   string `json:"chat_id"`
	Script   string `json:"script"`
	Prompt   string `json:"prompt"`
	Style    string `json:"style"`
}

// Marshal creates a JSON payload for a task.
func Marshal(payload interface{}) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
