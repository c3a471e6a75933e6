package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRelay struct {
	mu        sync.Mutex
	delivered []Message
}

func (f *fakeRelay) Deliver(msg *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, *msg)
}

func (f *fakeRelay) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.delivered...)
}

type fakeQueue struct {
	mu        sync.Mutex
	published []InboundJob
	err       error
}

func (f *fakeQueue) Publish(ctx context.Context, job InboundJob) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, job)
	return nil
}

func newTestService(t *testing.T, queue Queue, replies []string) (*Service, *Repo, *fakeRelay) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	relay := &fakeRelay{}
	responder := NewAutoResponder(repo, relay, replies, 5*time.Millisecond)
	return NewService(repo, relay, queue, responder), repo, relay
}

func TestProcessUserMessageTriggersCannedReplies(t *testing.T) {
	replies := []string{"canned one", "canned two"}
	svc, repo, relay := newTestService(t, nil, replies)
	ctx := context.Background()

	if err := repo.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := svc.Process(ctx, InboundJob{Text: "hi", SessionID: "sess-1", Sender: SenderUser}); err != nil {
		t.Fatalf("process: %v", err)
	}
	svc.Wait()

	got := relay.messages()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	if got[0].Sender != SenderUser || got[0].Text != "hi" {
		t.Fatalf("unexpected first delivery: %+v", got[0])
	}
	if got[1].Sender != SenderAdmin || got[1].Text != replies[0] {
		t.Fatalf("unexpected second delivery: %+v", got[1])
	}
	if got[2].Sender != SenderAdmin || got[2].Text != replies[1] {
		t.Fatalf("unexpected third delivery: %+v", got[2])
	}

	stored, err := repo.ListBySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 persisted messages, got %d", len(stored))
	}
}

func TestProcessAdminMessageTriggersNoReplies(t *testing.T) {
	svc, repo, relay := newTestService(t, nil, []string{"canned"})
	ctx := context.Background()

	if err := repo.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := svc.Process(ctx, InboundJob{Text: "reply", SessionID: "sess-1", Sender: SenderAdmin}); err != nil {
		t.Fatalf("process: %v", err)
	}
	svc.Wait()

	if got := relay.messages(); len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
}

func TestHandleInboundRejectsEmptyText(t *testing.T) {
	svc, repo, relay := newTestService(t, nil, nil)
	ctx := context.Background()

	if err := repo.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := svc.HandleInbound(ctx, InboundJob{Text: "  ", SessionID: "sess-1"}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}

	if got := relay.messages(); len(got) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(got))
	}
	stored, err := repo.ListBySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(stored))
	}
}

func TestHandleInboundRejectsUnknownSender(t *testing.T) {
	svc, _, _ := newTestService(t, nil, nil)

	err := svc.HandleInbound(context.Background(), InboundJob{Text: "hi", SessionID: "s", Sender: "robot"})
	if !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("expected ErrInvalidSender, got %v", err)
	}
}

func TestHandleInboundEnqueuesWhenQueuePresent(t *testing.T) {
	q := &fakeQueue{}
	svc, repo, relay := newTestService(t, q, nil)
	ctx := context.Background()

	if err := repo.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := svc.HandleInbound(ctx, InboundJob{Text: "hi", SessionID: "sess-1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(q.published) != 1 {
		t.Fatalf("expected 1 published job, got %d", len(q.published))
	}
	if q.published[0].Sender != SenderUser {
		t.Fatalf("expected defaulted user sender, got %q", q.published[0].Sender)
	}
	// nothing persisted or relayed until a worker picks the job up
	if got := relay.messages(); len(got) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(got))
	}
	stored, _ := repo.ListBySession(ctx, "sess-1", 10)
	if len(stored) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(stored))
	}
}

func TestHandleInboundSurfacesPublishFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("broker gone")}
	svc, _, _ := newTestService(t, q, nil)

	err := svc.HandleInbound(context.Background(), InboundJob{Text: "hi", SessionID: "sess-1"})
	if err == nil {
		t.Fatalf("expected publish failure to surface")
	}
}

// Direct mode: with no queue configured every accepted message must still
// be persisted and relayed.
func TestHandleInboundDirectFallback(t *testing.T) {
	svc, repo, relay := newTestService(t, nil, []string{"canned"})
	ctx := context.Background()

	if err := repo.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := svc.HandleInbound(ctx, InboundJob{Text: "hi", SessionID: "sess-1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	svc.Wait()

	stored, err := repo.ListBySession(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected user message + canned reply, got %d", len(stored))
	}
	if got := relay.messages(); len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
}

func TestAutoResponderDelayBetweenReplies(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	relay := &fakeRelay{}
	delay := 20 * time.Millisecond
	responder := NewAutoResponder(repo, relay, []string{"one", "two"}, delay)

	if err := repo.EnsureSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	start := time.Now()
	responder.Trigger("sess-1")
	responder.Wait()
	elapsed := time.Since(start)

	if elapsed < 2*delay {
		t.Fatalf("sequence finished in %v, expected at least %v", elapsed, 2*delay)
	}
	if got := relay.messages(); len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
}

// Two rapid user messages run two overlapping reply sequences; totals are
// deterministic even though interleaving is not.
func TestConcurrentSequencesNotCoalesced(t *testing.T) {
	replies := []string{"one", "two"}
	svc, repo, relay := newTestService(t, nil, replies)
	ctx := context.Background()

	if err := repo.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, text := range []string{"first", "second"} {
		if err := svc.Process(ctx, InboundJob{Text: text, SessionID: "sess-1", Sender: SenderUser}); err != nil {
			t.Fatalf("process %q: %v", text, err)
		}
	}
	svc.Wait()

	want := 2 + 2*len(replies)
	if got := relay.messages(); len(got) != want {
		t.Fatalf("expected %d deliveries, got %d", want, len(got))
	}
	stored, _ := repo.ListBySession(ctx, "sess-1", 50)
	if len(stored) != want {
		t.Fatalf("expected %d persisted messages, got %d", want, len(stored))
	}
}
