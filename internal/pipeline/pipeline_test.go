package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"orthobatch/internal/batch"
	"orthobatch/internal/logging"
	"orthobatch/internal/storage"
)

type stubProcessor struct {
	block chan struct{}
	err   error
	seen  chan Request
}

func (s *stubProcessor) Process(ctx context.Context, req Request) Result {
	if s.seen != nil {
		s.seen <- req
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Result{Request: req, Error: ctx.Err()}
		}
	}
	return Result{
		Request: req,
		Summary: batch.Summary{RunID: req.ID, Root: req.Root, Outcomes: []batch.Outcome{{Folder: "a", Skipped: "no photos"}}},
		Error:   s.err,
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "orthobatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitResult(t *testing.T, ch <-chan Update) *Result {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed before a result arrived")
			}
			if u.Result != nil {
				return u.Result
			}
		case <-timeout:
			t.Fatalf("timed out waiting for result")
		}
	}
}

func TestSubmitRecordsRunLifecycle(t *testing.T) {
	store := newStore(t)
	p := New(context.Background(), &stubProcessor{}, 4, logging.Discard(), store)
	defer p.Stop()

	updates, unsub := p.Subscribe()
	defer unsub()

	req := NewRequest(KindRun, "/data/flights")
	if err := p.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := waitResult(t, updates)
	if res.Request.ID != req.ID {
		t.Fatalf("result for %q, want %q", res.Request.ID, req.ID)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	rec, err := store.Run(req.ID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if rec.Status != "completed" || rec.Kind != "run" || rec.Root != "/data/flights" {
		t.Fatalf("unexpected run record: %+v", rec)
	}
	if rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Fatalf("expected start and completion times, got %+v", rec)
	}
	if got := rec.Summary["skipped"]; got != float64(1) {
		t.Fatalf("summary skipped = %v (%T)", got, got)
	}
}

func TestFailedRunIsRecorded(t *testing.T) {
	store := newStore(t)
	p := New(context.Background(), &stubProcessor{err: errors.New("engine gone")}, 1, logging.Discard(), store)
	defer p.Stop()

	updates, unsub := p.Subscribe()
	defer unsub()

	req := NewRequest(KindReortho, "/data")
	if err := p.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res := waitResult(t, updates); res.Error == nil {
		t.Fatalf("expected error in result")
	}
	rec, err := store.Run(req.ID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if rec.Status != "failed" || rec.Error != "engine gone" {
		t.Fatalf("unexpected run record: %+v", rec)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	proc := &stubProcessor{block: make(chan struct{}), seen: make(chan Request, 1)}
	p := New(context.Background(), proc, 1, logging.Discard(), nil)
	defer p.Stop()
	defer close(proc.block)

	if err := p.Submit(NewRequest(KindRun, "/a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-proc.seen // worker is busy now
	if err := p.Submit(NewRequest(KindRun, "/b")); err != nil {
		t.Fatalf("second submit should queue: %v", err)
	}
	if err := p.Submit(NewRequest(KindRun, "/c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitFillsDefaults(t *testing.T) {
	proc := &stubProcessor{seen: make(chan Request, 1)}
	p := New(context.Background(), proc, 1, logging.Discard(), nil)
	defer p.Stop()

	if err := p.Submit(Request{Root: "/r"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := <-proc.seen
	if got.ID == "" || got.Kind != KindRun {
		t.Fatalf("expected generated id and run kind, got %+v", got)
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	p := New(context.Background(), &stubProcessor{}, 1, logging.Discard(), nil)
	defer p.Stop()

	updates, unsub := p.Subscribe()
	defer unsub()

	p.Publish(batch.Event{RunID: "r", Folder: "/a", Stage: "export", Status: "done"})
	select {
	case u := <-updates:
		if u.Event == nil || u.Event.Stage != "export" {
			t.Fatalf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}
}

func TestStopClosesSubscriptionsAndRejectsSubmit(t *testing.T) {
	p := New(context.Background(), &stubProcessor{}, 1, logging.Discard(), nil)
	updates, _ := p.Subscribe()
	p.Stop()
	p.Stop()

	if _, ok := <-updates; ok {
		t.Fatalf("expected closed subscription")
	}
	if err := p.Submit(NewRequest(KindRun, "/x")); err == nil {
		t.Fatalf("expected submit after stop to fail")
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"": KindRun, "run": KindRun, "reortho": KindReortho}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("stack"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

type stubRunner struct {
	calls []string
}

func (s *stubRunner) Run(ctx context.Context, runID, root string) (batch.Summary, error) {
	s.calls = append(s.calls, "run "+root)
	return batch.Summary{RunID: runID, Root: root}, nil
}

func (s *stubRunner) Reortho(ctx context.Context, runID, root string) (batch.Summary, error) {
	s.calls = append(s.calls, "reortho "+root)
	return batch.Summary{RunID: runID, Root: root}, errors.New("locked")
}

func TestRouterDispatchesByKind(t *testing.T) {
	stub := &stubRunner{}
	r := &router{log: logging.Discard(), run: stub}

	if res := r.Process(context.Background(), Request{ID: "1", Kind: KindRun, Root: "/a"}); res.Error != nil {
		t.Fatalf("run: %v", res.Error)
	}
	res := r.Process(context.Background(), Request{ID: "2", Kind: KindReortho, Root: "/b"})
	if res.Error == nil || res.Summary.RunID != "2" {
		t.Fatalf("reortho result = %+v", res)
	}
	if res := r.Process(context.Background(), Request{ID: "3", Kind: "stack"}); res.Error == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if len(stub.calls) != 2 || stub.calls[0] != "run /a" || stub.calls[1] != "reortho /b" {
		t.Fatalf("unexpected calls: %v", stub.calls)
	}
}
