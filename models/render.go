package models

import (
	"time"
)

// Render statuses, written as the worker moves a job through the pipeline.
const (
	RenderStatusPending   = "pending_render"
	RenderStatusRendering = "rendering"
	RenderStatusComplete  = "complete"
	RenderStatusFailed    = "failed_render"
)

// RenderRecord is the persisted history row for one render request. Session
// state never lives here; this is a log of what was rendered for whom.
type RenderRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ChatID      string    `gorm:"not null;index" json:"chat_id"`
	Title       string    `gorm:"size:255" json:"title"`
	Style       string    `gorm:"size:32" json:"style"`
	Script      string    `gorm:"type:text" json:"script,omitempty"`
	Status      string    `gorm:"default:'pending_render'" json:"status"`
	VideoPath   string    `gorm:"size:512" json:"video_path,omitempty"`
	DurationSec float64   `json:"duration_sec"`
	CreatedAt   time.Time `json:"created_at"`
}

func (RenderRecord) TableName() string {
	return "render_records"
}
