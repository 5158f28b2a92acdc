package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/truepast/truepast-backend/config"
	"github.com/truepast/truepast-backend/models"
	"github.com/truepast/truepast-backend/pipeline"
	"github.com/truepast/truepast-backend/processing"
	"github.com/truepast/truepast-backend/sessions"
	"github.com/truepast/truepast-backend/tasks"
	"github.com/truepast/truepast-backend/telegram"
	"github.com/truepast/truepast-backend/visuals"
)

// ErrSessionState marks a phase/data mismatch that should be unreachable
// when the transition table is honored. It is logged as a defect; the user
// only ever sees a generic recoverable message.
var ErrSessionState = errors.New("session state invariant violated")

// Enqueuer dispatches a render task onto a queue. Satisfied by
// worker.Processor in production and by fakes in tests.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}) error
}

const (
	msgHelp = "Hi! I'm TruePast. I turn a history topic into a narrated short video.\n" +
		"Send /newvideo to get started."
	msgBusy         = "A video is already rendering for you. Hang on, I'll ping you when it's done."
	msgStyleMenu    = "Pick a narration style:\n1. Documentary\n2. Dramatic\n3. Casual\n\nReply with the number."
	msgStyleInvalid = "I didn't catch that. Reply 1 (Documentary), 2 (Dramatic) or 3 (Casual)."
	msgAskTopic     = "Great. What should the video be about? Send me a topic."
	msgAskRevision  = "Send the full replacement script text."
	msgApprovalMenu = "Reply approve to render it, edit to rewrite it yourself, or regenerate for a new draft."
	msgRendering    = "Script approved. Rendering your video now — this usually takes a minute or two."
	msgAskPublish   = "Here's your video! Publish it to the TruePast channel? (yes/no)"
	msgPublished    = "Published. Send /newvideo whenever you want another one."
	msgKeepLocal    = "No problem — the video above is yours to download. Send /newvideo for another."
	msgRecovered    = "Something went wrong on my side. Your session was reset — send /newvideo to start over."
)

// Machine interprets inbound messages against the per-identity session and
// drives the adapters. It is the only component that mutates sessions, and
// the dispatcher guarantees it sees one event at a time per identity.
type Machine struct {
	Store   sessions.Store
	Scripts processing.ScriptGenerator
	Queue   Enqueuer
	Sender  telegram.Sender
	Cfg     *config.Config

	// DB is optional; when present every approved render gets a history row.
	DB *gorm.DB
	// BroadcastChatID, when set, is where "yes" at the distribution step
	// republishes the finished video.
	BroadcastChatID string

	// Finished videos waiting on the user's distribution decision. Keyed by
	// identity; entries are released by the decision, by any reset, or by
	// SweepPending when the user never answers.
	pendingMu sync.Mutex
	pending   map[string]pendingArtifact
}

type pendingArtifact struct {
	artifact *pipeline.MediaArtifact
	storedAt time.Time
}

func NewMachine(store sessions.Store, scripts processing.ScriptGenerator, queue Enqueuer, sender telegram.Sender, cfg *config.Config) *Machine {
	return &Machine{
		Store:   store,
		Scripts: scripts,
		Queue:   queue,
		Sender:  sender,
		Cfg:     cfg,
		pending: make(map[string]pendingArtifact),
	}
}

// HandleMessage processes one inbound message for an identity. All state
// transitions for that identity happen here, serially.
func (m *Machine) HandleMessage(ctx context.Context, identity string, text string) {
	sess, err := m.Store.Get(ctx, identity)
	if err != nil {
		log.Printf("Session load failed for %s: %v", identity, err)
		m.send(ctx, identity, msgRecovered)
		return
	}

	if !sess.Phase.Valid() {
		m.recoverDefect(ctx, sess, fmt.Errorf("%w: unknown phase %q", ErrSessionState, sess.Phase))
		return
	}

	intent := ParseIntent(text)

	switch sess.Phase {
	case models.PhaseIdle:
		m.handleIdle(ctx, sess, intent)
	case models.PhaseAwaitingStyle:
		m.handleAwaitingStyle(ctx, sess, text)
	case models.PhaseAwaitingPrompt:
		m.handleAwaitingPrompt(ctx, sess, text)
	case models.PhaseAwaitingApproval:
		m.handleAwaitingApproval(ctx, sess, intent)
	case models.PhaseAwaitingRevision:
		m.handleAwaitingRevision(ctx, sess, text)
	case models.PhaseRendering:
		m.handleRendering(ctx, sess, intent)
	case models.PhaseAwaitingPublish:
		m.handleAwaitingPublish(ctx, sess, intent)
	}
}

func (m *Machine) handleIdle(ctx context.Context, sess *models.UserSession, intent Intent) {
	if intent == IntentRestart {
		sess.Phase = models.PhaseAwaitingStyle
		m.put(ctx, sess)
		m.send(ctx, sess.Identity, msgStyleMenu)
		return
	}
	m.send(ctx, sess.Identity, msgHelp)
}

func (m *Machine) handleAwaitingStyle(ctx context.Context, sess *models.UserSession, text string) {
	style, ok := models.ParseStyle(strings.ToLower(strings.TrimSpace(text)))
	if !ok {
		m.send(ctx, sess.Identity, msgStyleInvalid)
		return
	}
	sess.Style = style
	sess.Phase = models.PhaseAwaitingPrompt
	m.put(ctx, sess)
	m.send(ctx, sess.Identity, msgAskTopic)
}

func (m *Machine) handleAwaitingPrompt(ctx context.Context, sess *models.UserSession, text string) {
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		m.send(ctx, sess.Identity, msgAskTopic)
		return
	}

	sess.Prompt = prompt
	m.send(ctx, sess.Identity, "Writing your script...")

	script, err := m.Scripts.GenerateScript(ctx, sess.Prompt, sess.Style)
	if err != nil {
		log.Printf("Script generation failed for %s: %v", sess.Identity, err)
		m.resetWith(ctx, sess, "I couldn't write a script for that topic right now. Send /newvideo to try again.")
		return
	}

	sess.Script = script
	sess.Phase = models.PhaseAwaitingApproval
	m.put(ctx, sess)
	m.presentScript(ctx, sess)
}

func (m *Machine) handleAwaitingApproval(ctx context.Context, sess *models.UserSession, intent Intent) {
	if sess.Script == "" {
		m.recoverDefect(ctx, sess, fmt.Errorf("%w: approval phase with empty script", ErrSessionState))
		return
	}

	switch intent {
	case IntentApprove:
		m.startRender(ctx, sess)
	case IntentEdit:
		sess.Phase = models.PhaseAwaitingRevision
		m.put(ctx, sess)
		m.send(ctx, sess.Identity, msgAskRevision)
	case IntentRegenerate:
		m.regenerate(ctx, sess)
	default:
		m.send(ctx, sess.Identity, msgApprovalMenu)
	}
}

func (m *Machine) regenerate(ctx context.Context, sess *models.UserSession) {
	if sess.Attempts >= m.Cfg.Policy.MaxRegenerations {
		m.send(ctx, sess.Identity, fmt.Sprintf(
			"That's %d new drafts already — I have to stop there. Reply approve or edit, or send /newvideo to start over.",
			sess.Attempts))
		return
	}

	sess.Attempts++
	m.put(ctx, sess)
	m.send(ctx, sess.Identity, "Writing a new draft...")

	script, err := m.Scripts.GenerateScript(ctx, sess.Prompt, sess.Style)
	if err != nil {
		log.Printf("Script regeneration failed for %s: %v", sess.Identity, err)
		m.resetWith(ctx, sess, "I couldn't write a new draft right now. Send /newvideo to start over.")
		return
	}

	sess.Script = script
	m.put(ctx, sess)
	m.presentScript(ctx, sess)
}

func (m *Machine) handleAwaitingRevision(ctx context.Context, sess *models.UserSession, text string) {
	if strings.TrimSpace(text) == "" {
		m.send(ctx, sess.Identity, msgAskRevision)
		return
	}
	// The replacement is taken verbatim, whitespace included.
	sess.Script = text
	sess.Phase = models.PhaseAwaitingApproval
	m.put(ctx, sess)
	m.presentScript(ctx, sess)
}

func (m *Machine) handleRendering(ctx context.Context, sess *models.UserSession, intent Intent) {
	if intent == IntentRestart {
		m.send(ctx, sess.Identity, msgBusy)
		return
	}
	m.send(ctx, sess.Identity, "Still rendering — almost there.")
}

func (m *Machine) handleAwaitingPublish(ctx context.Context, sess *models.UserSession, intent Intent) {
	artifact := m.takePending(sess.Identity)

	if intent == IntentYes {
		if artifact != nil && m.BroadcastChatID != "" {
			if err := m.Sender.SendVideo(ctx, m.BroadcastChatID, artifact.VideoPath, sess.Prompt); err != nil {
				log.Printf("Broadcast publish failed for %s: %v", sess.Identity, err)
			}
		}
		m.resetWith(ctx, sess, msgPublished)
	} else {
		m.resetWith(ctx, sess, msgKeepLocal)
	}

	if artifact != nil {
		artifact.Cleanup()
	}
}

// startRender flips the session into rendering and hands the approved script
// to the render queue. The session stays in rendering until the worker
// reports back through HandleRenderResult.
func (m *Machine) startRender(ctx context.Context, sess *models.UserSession) {
	payload := tasks.RenderTaskPayload{
		RecordID: m.createRecord(sess),
		ChatID:   sess.Identity,
		Script:   sess.Script,
		Prompt:   sess.Prompt,
		Style:    string(sess.Style),
	}

	sess.Phase = models.PhaseRendering
	m.put(ctx, sess)

	if err := m.Queue.Enqueue(ctx, tasks.QueueVideoRender, payload); err != nil {
		log.Printf("Render enqueue failed for %s: %v", sess.Identity, err)
		m.resetWith(ctx, sess, "I couldn't start the render. Send /newvideo to try again.")
		return
	}

	m.send(ctx, sess.Identity, msgRendering)
}

// HandleRenderResult consumes the worker's outcome for an identity. It runs
// through the same per-identity dispatcher as inbound messages, so it never
// races a message for the same chat.
func (m *Machine) HandleRenderResult(ctx context.Context, identity string, artifact *pipeline.MediaArtifact, renderErr error) {
	sess, err := m.Store.Get(ctx, identity)
	if err != nil {
		log.Printf("Session load failed for %s after render: %v", identity, err)
		if artifact != nil {
			artifact.Cleanup()
		}
		return
	}

	if sess.Phase != models.PhaseRendering {
		// The session moved on without us; drop the result.
		log.Printf("Defect: render result for %s in phase %s", identity, sess.Phase)
		if artifact != nil {
			artifact.Cleanup()
		}
		return
	}

	if renderErr != nil {
		m.resetWith(ctx, sess, renderFailureMessage(renderErr))
		return
	}

	if err := m.Sender.SendVideo(ctx, identity, artifact.VideoPath, sess.Prompt); err != nil {
		log.Printf("Video delivery failed for %s: %v", identity, err)
	}

	m.storePending(identity, artifact)
	sess.Phase = models.PhaseAwaitingPublish
	m.put(ctx, sess)
	m.send(ctx, identity, msgAskPublish)
}

// renderFailureMessage maps a pipeline failure to what the user should read.
func renderFailureMessage(err error) string {
	if errors.Is(err, visuals.ErrNotFound) {
		return "I couldn't find a fitting visual for that topic. Send /newvideo and try a different angle."
	}

	var rerr *pipeline.RenderError
	if errors.As(err, &rerr) {
		switch rerr.Stage {
		case pipeline.StageVoice:
			return "The narration voice service is having trouble right now. Send /newvideo to try again."
		case pipeline.StageVisual:
			return "The image service is having trouble right now. Send /newvideo to try again."
		}
	}
	return "The video render failed. Send /newvideo to try again."
}

func (m *Machine) presentScript(ctx context.Context, sess *models.UserSession) {
	m.send(ctx, sess.Identity, fmt.Sprintf("Here's the script for %q:\n\n%s\n\n%s", sess.Prompt, sess.Script, msgApprovalMenu))
}

// resetWith returns the session to idle, persists it, and sends one
// explanatory message. Every failure path funnels through here so a session
// can never be left stuck mid-phase.
func (m *Machine) resetWith(ctx context.Context, sess *models.UserSession, message string) {
	if artifact := m.takePending(sess.Identity); artifact != nil {
		artifact.Cleanup()
	}
	sess.Reset()
	m.put(ctx, sess)
	m.send(ctx, sess.Identity, message)
}

func (m *Machine) recoverDefect(ctx context.Context, sess *models.UserSession, err error) {
	log.Printf("Defect for %s: %v", sess.Identity, err)
	m.resetWith(ctx, sess, msgRecovered)
}

func (m *Machine) createRecord(sess *models.UserSession) uint {
	if m.DB == nil {
		return 0
	}
	record := models.RenderRecord{
		ChatID: sess.Identity,
		Title:  sess.Prompt,
		Style:  string(sess.Style),
		Script: sess.Script,
		Status: models.RenderStatusPending,
	}
	if err := m.DB.Create(&record).Error; err != nil {
		log.Printf("Error creating render record for %s: %v", sess.Identity, err)
		return 0
	}
	return record.ID
}

func (m *Machine) storePending(identity string, artifact *pipeline.MediaArtifact) {
	m.pendingMu.Lock()
	m.pending[identity] = pendingArtifact{artifact: artifact, storedAt: time.Now()}
	m.pendingMu.Unlock()
}

func (m *Machine) takePending(identity string) *pipeline.MediaArtifact {
	m.pendingMu.Lock()
	entry, ok := m.pending[identity]
	delete(m.pending, identity)
	m.pendingMu.Unlock()
	if !ok {
		return nil
	}
	return entry.artifact
}

// SweepPending releases finished videos whose distribution decision never
// came, returning how many were removed. Runs on the same horizon as
// session eviction so a user who goes silent at the distribution step
// cannot park an artifact forever.
func (m *Machine) SweepPending(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []*pipeline.MediaArtifact
	m.pendingMu.Lock()
	for identity, entry := range m.pending {
		if entry.storedAt.Before(cutoff) {
			stale = append(stale, entry.artifact)
			delete(m.pending, identity)
		}
	}
	m.pendingMu.Unlock()
	for _, artifact := range stale {
		artifact.Cleanup()
	}
	return len(stale)
}

func (m *Machine) put(ctx context.Context, sess *models.UserSession) {
	if err := m.Store.Put(ctx, sess); err != nil {
		log.Printf("Session save failed for %s: %v", sess.Identity, err)
	}
}

func (m *Machine) send(ctx context.Context, identity string, text string) {
	if err := m.Sender.SendMessage(ctx, identity, text); err != nil {
		log.Printf("Send failed for %s: %v", identity, err)
	}
}
