package conversation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/truepast/truepast-backend/pipeline"
)

// event is one unit of work for an identity's mailbox: either an inbound
// message or a render outcome.
type event struct {
	text      string
	artifact  *pipeline.MediaArtifact
	renderErr error
	isResult  bool
}

// Dispatcher serializes all events per chat identity. Each identity gets a
// lazily created mailbox goroutine; events for one identity are processed
// strictly in arrival order while distinct identities run concurrently.
type Dispatcher struct {
	machine *Machine

	mu        sync.Mutex
	mailboxes map[string]chan event

	// mailboxIdle is how long an empty mailbox lingers before its goroutine
	// exits. The mailbox is recreated on the identity's next event.
	mailboxIdle time.Duration
	// eventTimeout bounds the processing of a single event.
	eventTimeout time.Duration
	// resultRetry is how long a blocked render-result send waits before
	// re-checking that its mailbox is still live.
	resultRetry time.Duration
}

const mailboxCap = 32

func NewDispatcher(machine *Machine) *Dispatcher {
	return &Dispatcher{
		machine:      machine,
		mailboxes:    make(map[string]chan event),
		mailboxIdle:  5 * time.Minute,
		eventTimeout: 5 * time.Minute,
		resultRetry:  5 * time.Second,
	}
}

// SubmitMessage queues one inbound message for the identity and returns
// immediately. The webhook handler stays fast regardless of what the
// message triggers.
func (d *Dispatcher) SubmitMessage(identity string, text string) {
	d.submit(identity, event{text: text})
}

// SubmitRenderResult queues a render outcome for the identity. Exactly one
// of artifact and renderErr is set. Unlike messages the outcome is never
// dropped; the call blocks until the mailbox accepts it.
func (d *Dispatcher) SubmitRenderResult(identity string, artifact *pipeline.MediaArtifact, renderErr error) {
	d.submit(identity, event{artifact: artifact, renderErr: renderErr, isResult: true})
}

func (d *Dispatcher) submit(identity string, ev event) {
	for {
		d.mu.Lock()
		box, ok := d.mailboxes[identity]
		if !ok {
			box = make(chan event, mailboxCap)
			d.mailboxes[identity] = box
			go d.run(identity, box)
		}
		// Sending under the lock pairs with run's locked empty-check: an
		// event placed here is visible before the mailbox can be retired.
		select {
		case box <- ev:
			d.mu.Unlock()
			return
		default:
		}
		d.mu.Unlock()

		if !ev.isResult {
			// A full mailbox means the user is flooding faster than we
			// reply; dropping an inbound message keeps every other identity
			// unaffected.
			log.Printf("Mailbox full for %s, dropping message", identity)
			return
		}

		// A render outcome must reach the machine or the session would sit
		// in rendering forever. Wait for the flood to drain and retry; only
		// the worker goroutine sends results, and it can afford to block.
		select {
		case box <- ev:
			d.mu.Lock()
			delivered := d.mailboxes[identity] == box
			d.mu.Unlock()
			if delivered {
				return
			}
			// The mailbox was retired mid-send, so the event landed in a
			// buffer nothing reads. Queue it again on a fresh mailbox.
		case <-time.After(d.resultRetry):
		}
	}
}

func (d *Dispatcher) run(identity string, box chan event) {
	idle := time.NewTimer(d.mailboxIdle)
	defer idle.Stop()

	for {
		select {
		case ev := <-box:
			d.process(identity, ev)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(d.mailboxIdle)
		case <-idle.C:
			d.mu.Lock()
			if len(box) == 0 {
				delete(d.mailboxes, identity)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(d.mailboxIdle)
		}
	}
}

func (d *Dispatcher) process(identity string, ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.eventTimeout)
	defer cancel()

	if ev.isResult {
		d.machine.HandleRenderResult(ctx, identity, ev.artifact, ev.renderErr)
		return
	}
	d.machine.HandleMessage(ctx, identity, ev.text)
}
