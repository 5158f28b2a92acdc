package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truepast/truepast-backend/config"
	"github.com/truepast/truepast-backend/models"
	"github.com/truepast/truepast-backend/pipeline"
	"github.com/truepast/truepast-backend/sessions"
	"github.com/truepast/truepast-backend/tasks"
)

// --- Fakes ---

type fakeScripts struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	styles  []models.Style
	err     error
}

func (f *fakeScripts) GenerateScript(ctx context.Context, prompt string, style models.Style) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.styles = append(f.styles, style)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("draft %d about %s", f.calls, prompt), nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []tasks.RenderTaskPayload
	err      error
}

func (f *fakeQueue) Enqueue(ctx context.Context, queueName string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload.(tasks.RenderTaskPayload))
	return nil
}

type sentVideo struct {
	ChatID string
	Path   string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	videos   []sentVideo
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeSender) SendVideo(ctx context.Context, chatID string, videoPath string, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos = append(f.videos, sentVideo{ChatID: chatID, Path: videoPath})
	return nil
}

func (f *fakeSender) videoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.videos)
}

func (f *fakeSender) lastMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

type testRig struct {
	machine *Machine
	store   *sessions.MemoryStore
	scripts *fakeScripts
	queue   *fakeQueue
	sender  *fakeSender
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := sessions.NewMemoryStore()
	scripts := &fakeScripts{}
	queue := &fakeQueue{}
	sender := &fakeSender{}
	machine := NewMachine(store, scripts, queue, sender, config.Default())
	return &testRig{machine: machine, store: store, scripts: scripts, queue: queue, sender: sender}
}

func (r *testRig) phase(t *testing.T, identity string) models.Phase {
	t.Helper()
	sess, err := r.store.Get(context.Background(), identity)
	require.NoError(t, err)
	return sess.Phase
}

func (r *testRig) session(t *testing.T, identity string) *models.UserSession {
	t.Helper()
	sess, err := r.store.Get(context.Background(), identity)
	require.NoError(t, err)
	return sess
}

// advance walks an identity to the approval phase with one generated draft.
func (r *testRig) advanceToApproval(t *testing.T, identity, topic string) {
	t.Helper()
	ctx := context.Background()
	r.machine.HandleMessage(ctx, identity, "/newvideo")
	r.machine.HandleMessage(ctx, identity, "1")
	r.machine.HandleMessage(ctx, identity, topic)
	require.Equal(t, models.PhaseAwaitingApproval, r.phase(t, identity))
}

// --- Tests ---

func TestIdleSendsHelpForUnknownText(t *testing.T) {
	rig := newTestRig(t)
	rig.machine.HandleMessage(context.Background(), "chat1", "hello there")

	assert.Equal(t, models.PhaseIdle, rig.phase(t, "chat1"))
	assert.Contains(t, rig.sender.lastMessage(), "/newvideo")
}

func TestRestartAsksForStyle(t *testing.T) {
	rig := newTestRig(t)
	rig.machine.HandleMessage(context.Background(), "chat1", "/newvideo")

	assert.Equal(t, models.PhaseAwaitingStyle, rig.phase(t, "chat1"))
	assert.Contains(t, rig.sender.lastMessage(), "style")
}

func TestInvalidStyleIsRejectedIdempotently(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.machine.HandleMessage(ctx, "chat1", "/newvideo")

	for i := 0; i < 5; i++ {
		rig.machine.HandleMessage(ctx, "chat1", "purple")
		assert.Equal(t, models.PhaseAwaitingStyle, rig.phase(t, "chat1"))
	}
	assert.Zero(t, rig.scripts.calls)
}

func TestApproveOutsideApprovalPhaseIsNoop(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.machine.HandleMessage(ctx, "chat1", "approve")
	assert.Equal(t, models.PhaseIdle, rig.phase(t, "chat1"))
	assert.Empty(t, rig.queue.payloads)

	rig.machine.HandleMessage(ctx, "chat1", "/newvideo")
	rig.machine.HandleMessage(ctx, "chat1", "approve")
	// "approve" is not a style token, so the machine re-prompts.
	assert.Equal(t, models.PhaseAwaitingStyle, rig.phase(t, "chat1"))
	assert.Empty(t, rig.queue.payloads)
}

func TestTopicInvokesGeneratorWithPromptAndStyle(t *testing.T) {
	rig := newTestRig(t)
	rig.advanceToApproval(t, "chat1", "The fall of Rome")

	require.Equal(t, 1, rig.scripts.calls)
	assert.Equal(t, "The fall of Rome", rig.scripts.prompts[0])
	assert.Equal(t, models.StyleDocumentary, rig.scripts.styles[0])

	sess := rig.session(t, "chat1")
	assert.Equal(t, "The fall of Rome", sess.Prompt)
	assert.NotEmpty(t, sess.Script)
}

func TestScriptGenerationFailureResetsToIdle(t *testing.T) {
	rig := newTestRig(t)
	rig.scripts.err = errors.New("upstream down")
	ctx := context.Background()

	rig.machine.HandleMessage(ctx, "chat1", "/newvideo")
	rig.machine.HandleMessage(ctx, "chat1", "2")
	rig.machine.HandleMessage(ctx, "chat1", "The fall of Rome")

	sess := rig.session(t, "chat1")
	assert.Equal(t, models.PhaseIdle, sess.Phase)
	assert.Empty(t, sess.Script)
	assert.Empty(t, sess.Prompt)
	assert.Contains(t, rig.sender.lastMessage(), "/newvideo")
}

func TestEditReplacesScriptVerbatim(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")

	rig.machine.HandleMessage(ctx, "chat1", "edit")
	assert.Equal(t, models.PhaseAwaitingRevision, rig.phase(t, "chat1"))

	rig.machine.HandleMessage(ctx, "chat1", "My new script text")
	sess := rig.session(t, "chat1")
	assert.Equal(t, models.PhaseAwaitingApproval, sess.Phase)
	assert.Equal(t, "My new script text", sess.Script)
}

func TestRegenerateIsBounded(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")

	cap := rig.machine.Cfg.Policy.MaxRegenerations
	for i := 0; i < cap; i++ {
		rig.machine.HandleMessage(ctx, "chat1", "regenerate")
		assert.Equal(t, models.PhaseAwaitingApproval, rig.phase(t, "chat1"))
	}
	callsAtCap := rig.scripts.calls
	require.Equal(t, 1+cap, callsAtCap)

	// One more regenerate is refused without touching the generator.
	rig.machine.HandleMessage(ctx, "chat1", "regenerate")
	assert.Equal(t, models.PhaseAwaitingApproval, rig.phase(t, "chat1"))
	assert.Equal(t, callsAtCap, rig.scripts.calls)
}

func TestRegenerateKeepsPromptAndStyle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")

	rig.machine.HandleMessage(ctx, "chat1", "regenerate")
	require.Equal(t, 2, rig.scripts.calls)
	assert.Equal(t, "The fall of Rome", rig.scripts.prompts[1])
	assert.Equal(t, models.StyleDocumentary, rig.scripts.styles[1])
}

func TestApproveEnqueuesRenderAndBlocksRestart(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")

	rig.machine.HandleMessage(ctx, "chat1", "approve")
	require.Equal(t, models.PhaseRendering, rig.phase(t, "chat1"))
	require.Len(t, rig.queue.payloads, 1)
	payload := rig.queue.payloads[0]
	assert.Equal(t, "chat1", payload.ChatID)
	assert.Equal(t, "The fall of Rome", payload.Prompt)
	assert.NotEmpty(t, payload.Script)

	// Concurrent start is rejected with a busy message, phase unchanged.
	rig.machine.HandleMessage(ctx, "chat1", "/newvideo")
	assert.Equal(t, models.PhaseRendering, rig.phase(t, "chat1"))
	assert.Contains(t, rig.sender.lastMessage(), "already rendering")
	assert.Len(t, rig.queue.payloads, 1)
}

func TestEnqueueFailureResetsToIdle(t *testing.T) {
	rig := newTestRig(t)
	rig.queue.err = errors.New("redis down")
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")

	rig.machine.HandleMessage(ctx, "chat1", "approve")
	assert.Equal(t, models.PhaseIdle, rig.phase(t, "chat1"))
}

func TestRenderSuccessDeliversVideoThenPublishDecision(t *testing.T) {
	rig := newTestRig(t)
	rig.machine.BroadcastChatID = "channel9"
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")
	rig.machine.HandleMessage(ctx, "chat1", "approve")

	artifact := &pipeline.MediaArtifact{VideoPath: "/tmp/final.mp4", AudioDurationSec: 42.5}
	rig.machine.HandleRenderResult(ctx, "chat1", artifact, nil)

	require.Equal(t, models.PhaseAwaitingPublish, rig.phase(t, "chat1"))
	require.Len(t, rig.sender.videos, 1)
	assert.Equal(t, "chat1", rig.sender.videos[0].ChatID)

	// "yes" republishes to the broadcast channel and resets the session.
	rig.machine.HandleMessage(ctx, "chat1", "yes")
	sess := rig.session(t, "chat1")
	assert.Equal(t, models.PhaseIdle, sess.Phase)
	assert.Empty(t, sess.Script)
	require.Len(t, rig.sender.videos, 2)
	assert.Equal(t, "channel9", rig.sender.videos[1].ChatID)
}

func TestRenderSuccessThenDecline(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")
	rig.machine.HandleMessage(ctx, "chat1", "approve")
	rig.machine.HandleRenderResult(ctx, "chat1", &pipeline.MediaArtifact{VideoPath: "/tmp/final.mp4"}, nil)

	rig.machine.HandleMessage(ctx, "chat1", "whatever")
	assert.Equal(t, models.PhaseIdle, rig.phase(t, "chat1"))
	assert.Len(t, rig.sender.videos, 1)
}

func TestRenderFailureResetsToIdle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")
	rig.machine.HandleMessage(ctx, "chat1", "approve")

	renderErr := &pipeline.RenderError{Stage: pipeline.StageVoice, Err: errors.New("tts down")}
	rig.machine.HandleRenderResult(ctx, "chat1", nil, renderErr)

	sess := rig.session(t, "chat1")
	assert.Equal(t, models.PhaseIdle, sess.Phase)
	assert.Empty(t, sess.Script)
	assert.Empty(t, rig.sender.videos)
	assert.Contains(t, rig.sender.lastMessage(), "voice")
}

func TestUnclaimedVideoIsSweptAfterHorizon(t *testing.T) {
	rig := newTestRig(t)
	rig.machine.BroadcastChatID = "channel9"
	ctx := context.Background()
	rig.advanceToApproval(t, "chat1", "The fall of Rome")
	rig.machine.HandleMessage(ctx, "chat1", "approve")
	rig.machine.HandleRenderResult(ctx, "chat1", &pipeline.MediaArtifact{VideoPath: "/tmp/final.mp4"}, nil)
	require.Equal(t, models.PhaseAwaitingPublish, rig.phase(t, "chat1"))

	// A video still inside the horizon is left alone.
	assert.Zero(t, rig.machine.SweepPending(time.Hour))

	// Past the horizon the parked video is released, exactly once.
	assert.Equal(t, 1, rig.machine.SweepPending(0))
	assert.Zero(t, rig.machine.SweepPending(0))

	// A late "yes" still resolves, with nothing left to publish.
	rig.machine.HandleMessage(ctx, "chat1", "yes")
	assert.Equal(t, models.PhaseIdle, rig.phase(t, "chat1"))
	assert.Len(t, rig.sender.videos, 1)
}

func TestStaleRenderResultIsDropped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// No render in flight; a late result must not disturb the session.
	rig.machine.HandleRenderResult(ctx, "chat1", &pipeline.MediaArtifact{VideoPath: "/tmp/x.mp4"}, nil)
	assert.Equal(t, models.PhaseIdle, rig.phase(t, "chat1"))
	assert.Empty(t, rig.sender.videos)
}

func TestSessionsAreIsolatedPerIdentity(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.machine.HandleMessage(ctx, "chat1", "/newvideo")
	rig.machine.HandleMessage(ctx, "chat2", "hello")

	assert.Equal(t, models.PhaseAwaitingStyle, rig.phase(t, "chat1"))
	assert.Equal(t, models.PhaseIdle, rig.phase(t, "chat2"))
}

func TestPhaseAlwaysDefined(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	inputs := []string{"hi", "/newvideo", "approve", "1", "", "edit", "The fall of Rome", "regenerate", "yes", "/newvideo", "no"}
	for _, input := range inputs {
		rig.machine.HandleMessage(ctx, "chat1", input)
		assert.True(t, rig.phase(t, "chat1").Valid(), "phase after input %q", input)
	}
}
