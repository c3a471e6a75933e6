package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// InboundJob is the unit handed from a connection to the persist+relay
// pipeline, either through the ingestion queue or inline.
type InboundJob struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
	Sender    Sender `json:"sender"`
}

// Relay pushes an already-persisted message to its live audience.
// Delivery is fire-and-forget; a room with no members is a no-op.
type Relay interface {
	Deliver(msg *Message)
}

// Queue hands a job to the background worker pool without blocking on its
// processing. nil Queue in the Service means permanent direct mode.
type Queue interface {
	Publish(ctx context.Context, job InboundJob) error
}

type Service struct {
	repo  *Repo
	relay Relay
	queue Queue

	responder *AutoResponder
}

func NewService(repo *Repo, relay Relay, queue Queue, responder *AutoResponder) *Service {
	return &Service{repo: repo, relay: relay, queue: queue, responder: responder}
}

// Queued reports whether inbound messages go through the ingestion queue.
func (s *Service) Queued() bool { return s.queue != nil }

// HandleInbound validates the job and either enqueues it or processes it
// inline when no queue backend is available. Every accepted job ends up
// persisted: a publish failure is surfaced to the caller, never swallowed.
func (s *Service) HandleInbound(ctx context.Context, job InboundJob) error {
	if strings.TrimSpace(job.Text) == "" {
		return ErrEmptyText
	}
	if job.Sender == "" {
		job.Sender = SenderUser
	}
	if !job.Sender.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSender, job.Sender)
	}

	if s.queue != nil {
		if err := s.queue.Publish(ctx, job); err != nil {
			return fmt.Errorf("enqueue session=%s: %w", job.SessionID, err)
		}
		return nil
	}
	return s.Process(ctx, job)
}

// Process persists the message, relays it, and for user messages kicks off
// the canned admin reply sequence. This is the queue worker's handler as
// well as the direct path, so it must tolerate at-least-once execution.
func (s *Service) Process(ctx context.Context, job InboundJob) error {
	msg, err := s.repo.AppendMessage(ctx, job.SessionID, job.Text, job.Sender)
	if err != nil {
		return fmt.Errorf("process session=%s: %w", job.SessionID, err)
	}

	s.relay.Deliver(msg)

	if job.Sender == SenderUser {
		s.responder.Trigger(msg.SessionID)
	}
	return nil
}

// Wait blocks until all in-flight auto-reply sequences finish.
func (s *Service) Wait() { s.responder.Wait() }

// DefaultReplies are the canned admin responses emitted after each user
// message.
var DefaultReplies = []string{
	"Hello! Thanks for reaching out. How can I help you today?",
	"I've received your message. Let me assist you with that.",
}

// AutoResponder emits a fixed sequence of canned admin replies, one per
// delay tick, each persisted and relayed like any other message. Sequences
// run on their own goroutines; two rapid user messages in one session run
// two overlapping sequences.
type AutoResponder struct {
	repo  *Repo
	relay Relay

	replies []string
	delay   time.Duration

	wg sync.WaitGroup
}

func NewAutoResponder(repo *Repo, relay Relay, replies []string, delay time.Duration) *AutoResponder {
	if replies == nil {
		replies = DefaultReplies
	}
	return &AutoResponder{repo: repo, relay: relay, replies: replies, delay: delay}
}

// Trigger starts one reply sequence for the session and returns immediately.
// A disconnect does not cancel the sequence; replies keep landing in the
// store and relay into whatever room members remain.
func (a *AutoResponder) Trigger(sessionID string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("auto-reply panic session=%s err=%v", sessionID, rec)
			}
		}()
		a.run(sessionID)
	}()
}

func (a *AutoResponder) run(sessionID string) {
	for i, text := range a.replies {
		time.Sleep(a.delay)
		msg, err := a.repo.AppendMessage(context.Background(), sessionID, text, SenderAdmin)
		if err != nil {
			log.Printf("auto-reply %d/%d failed session=%s err=%v", i+1, len(a.replies), sessionID, err)
			return
		}
		a.relay.Deliver(msg)
	}
}

// Wait blocks until all running sequences drain. Used on shutdown and in
// tests.
func (a *AutoResponder) Wait() { a.wg.Wait() }
