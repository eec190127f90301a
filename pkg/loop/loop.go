// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package loop is the scheduling substrate: an event queue dispatched
// to registered handlers and a turn queue sequenced so only one turn
// progresses at a time per conversation. Model and tool waits happen
// inside the turn's own goroutine, never in the loop itself.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
)

const defaultQueueSize = 64

// Event is one unit of the arbitrary event stream. Type keys handler
// selection; Payload is handler-defined.
type Event struct {
	Type      string
	Payload   any
	Timestamp time.Time
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}

// Handler consumes one event. Handlers run on the loop goroutine and
// must not block; spawn a goroutine for slow work.
type Handler func(ctx context.Context, event Event)

// TurnRunner starts one turn and streams its events.
type TurnRunner interface {
	Run(ctx context.Context, prompt core.Prompt) <-chan core.TurnEvent
}

type pendingTurn struct {
	conversation string
	prompt       core.Prompt
	ctx          context.Context
	out          chan core.TurnEvent
}

// Option configures a Loop.
type Option func(*Loop)

// WithQueueSize sets the capacity of both queues.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithLoopLogger sets the loop logger.
func WithLoopLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// Loop owns the two queues and the dispatch pass.
type Loop struct {
	runner    TurnRunner
	queueSize int
	log       *slog.Logger
	tracer    trace.Tracer

	eventQ chan Event
	turnQ  chan *pendingTurn
	turnDn chan string

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	// busy and waiting are touched only by the Run goroutine.
	busy    map[string]bool
	waiting map[string][]*pendingTurn

	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
	stopped chan struct{}
}

// New creates a loop over the given turn runner.
func New(runner TurnRunner, opts ...Option) *Loop {
	l := &Loop{
		runner:    runner,
		queueSize: defaultQueueSize,
		log:       slog.Default(),
		tracer:    otel.Tracer("loom/loop"),
		handlers:  make(map[string][]Handler),
		busy:      make(map[string]bool),
		waiting:   make(map[string][]*pendingTurn),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.eventQ = make(chan Event, l.queueSize)
	l.turnQ = make(chan *pendingTurn, l.queueSize)
	l.turnDn = make(chan string, l.queueSize)
	l.stopped = make(chan struct{})
	return l
}

// On registers a handler for an event type.
func (l *Loop) On(eventType string, handler Handler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers[eventType] = append(l.handlers[eventType], handler)
}

// Emit enqueues an event for dispatch. It fails rather than blocks
// when the queue is full or the loop is closed.
func (l *Loop) Emit(event Event) error {
	l.closeMu.Lock()
	closed := l.closed
	l.closeMu.Unlock()
	if closed {
		return errors.New(errors.CodeInternal, "event loop is closed", nil)
	}
	select {
	case l.eventQ <- event:
		return nil
	default:
		return errors.New(errors.CodeInternal, "event queue full", nil).WithRecoverable(true)
	}
}

// Submit enqueues a turn for the conversation. The returned channel
// carries the turn's ordered event sequence; the caller must drain
// it. Turns in the same conversation run strictly one at a time, in
// submission order. Like Emit, Submit fails rather than blocks when
// the queue is full.
func (l *Loop) Submit(ctx context.Context, conversation string, prompt core.Prompt) (<-chan core.TurnEvent, error) {
	pt := &pendingTurn{
		conversation: conversation,
		prompt:       prompt,
		ctx:          ctx,
		out:          make(chan core.TurnEvent, 16),
	}

	// Enqueue under the close lock: shutdown either rejects the turn
	// here or observes it during the final queue drain. Every accepted
	// turn gets a terminal event.
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil, errors.New(errors.CodeInternal, "event loop is closed", nil)
	}
	select {
	case l.turnQ <- pt:
		return pt.out, nil
	default:
		return nil, errors.New(errors.CodeInternal, "turn queue full", nil).WithRecoverable(true)
	}
}

// Run drives the dispatch loop until ctx is canceled. Each iteration
// handles one queue element; turn I/O happens off-loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.closeIntake()
			l.failPending()
			return
		case event := <-l.eventQ:
			l.dispatch(ctx, event)
		case pt := <-l.turnQ:
			if l.busy[pt.conversation] {
				l.waiting[pt.conversation] = append(l.waiting[pt.conversation], pt)
				continue
			}
			l.busy[pt.conversation] = true
			l.startTurn(pt)
		case conversation := <-l.turnDn:
			queue := l.waiting[conversation]
			if len(queue) == 0 {
				delete(l.busy, conversation)
				continue
			}
			next := queue[0]
			l.waiting[conversation] = queue[1:]
			l.startTurn(next)
		}
	}
}

// Drain waits for in-flight turns to complete, bounded by ctx.
func (l *Loop) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "turns still in flight at drain deadline", ctx.Err())
	}
}

func (l *Loop) closeIntake() {
	l.closeMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.stopped)
	}
	l.closeMu.Unlock()
}

// failPending rejects turns that were accepted but never started:
// still queued, or parked behind an in-flight turn in the same
// conversation. Each gets its terminal event so callers draining the
// channel from Submit unblock. Runs after closeIntake, so no new
// turns can race into the queue behind the drain.
func (l *Loop) failPending() {
	for {
		select {
		case pt := <-l.turnQ:
			l.rejectTurn(pt)
			continue
		default:
		}
		break
	}
	for conversation, queue := range l.waiting {
		for _, pt := range queue {
			l.rejectTurn(pt)
		}
		delete(l.waiting, conversation)
	}
}

// rejectTurn delivers the turn's one terminal event and closes its
// channel. The channel is freshly buffered, so the send cannot block.
func (l *Loop) rejectTurn(pt *pendingTurn) {
	ev := core.NewTurnEvent(core.TurnEventError, pt.prompt.ID)
	ev.Err = errors.New(errors.CodeCancelled, "event loop stopped before the turn started", nil)
	pt.out <- ev
	close(pt.out)
	l.log.Info("turn.rejected",
		slog.String("turn_id", pt.prompt.ID),
		slog.String("conversation_id", pt.conversation),
	)
}

func (l *Loop) dispatch(ctx context.Context, event Event) {
	l.handlersMu.RLock()
	handlers := l.handlers[event.Type]
	l.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, event)
	}
}

func (l *Loop) startTurn(pt *pendingTurn) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			select {
			case l.turnDn <- pt.conversation:
			case <-l.stopped:
			}
		}()

		ctx := core.WithConversationID(pt.ctx, pt.conversation)
		ctx, span := l.tracer.Start(ctx, "Loop.Turn", trace.WithAttributes(
			attribute.String("turn.id", pt.prompt.ID),
			attribute.String("conversation.id", pt.conversation),
		))
		defer span.End()

		l.log.Info("turn.start",
			slog.String("turn_id", pt.prompt.ID),
			slog.String("conversation_id", pt.conversation),
		)

		for event := range l.runner.Run(ctx, pt.prompt) {
			pt.out <- event
			if event.Type.Terminal() {
				l.log.Info("turn.terminal",
					slog.String("turn_id", pt.prompt.ID),
					slog.String("event", string(event.Type)),
				)
			}
		}
		close(pt.out)
	}()
}
