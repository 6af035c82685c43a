package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"orthobatch/internal/batch"
	"orthobatch/internal/logging"
	"orthobatch/internal/storage"
)

// Kind enumerates the batch operations the queue accepts.
type Kind string

const (
	KindRun     Kind = "run"
	KindReortho Kind = "reortho"
)

// ParseKind accepts the names used on the command line and over HTTP.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRun, KindReortho:
		return Kind(s), nil
	case "":
		return KindRun, nil
	default:
		return "", fmt.Errorf("unknown run kind %q", s)
	}
}

// ErrQueueFull is returned by Submit when no slot is free.
var ErrQueueFull = errors.New("run queue is full")

// Request asks for one batch over a root directory.
type Request struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Root string `json:"root"`
}

// NewRequest fills in a fresh run id.
func NewRequest(kind Kind, root string) Request {
	return Request{ID: uuid.NewString(), Kind: kind, Root: root}
}

// Result captures the outcome of a Request.
type Result struct {
	Request Request       `json:"request"`
	Summary batch.Summary `json:"summary"`
	Error   error         `json:"-"`
	Message string        `json:"error,omitempty"`
}

// Meta is the summary in the ledger's map form.
func (r Result) Meta() map[string]any {
	return r.Summary.Meta()
}

// Update is what subscribers receive: either a stage event of a running
// batch or the result of a finished one.
type Update struct {
	Event  *batch.Event `json:"event,omitempty"`
	Result *Result      `json:"result,omitempty"`
}

// Processor executes a request and returns a Result.
type Processor interface {
	Process(ctx context.Context, req Request) Result
}

// Pipeline queues batch runs and executes them one at a time. Batches lock
// their root, so a second worker would only ever wait on the first.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	reqs      chan Request
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Update
	nextSubID int
	stopped   bool
}

// New starts the worker. depth is the number of runs that may wait in the
// queue behind the one in progress.
func New(ctx context.Context, processor Processor, depth int, logger *slog.Logger, store *storage.Store) *Pipeline {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		reqs:      make(chan Request, depth),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Update),
	}

	p.wg.Add(1)
	go p.worker(ctx)
	return p
}

// Submit adds a request to the queue.
func (p *Pipeline) Submit(req Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = KindRun
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}

	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:   req.ID,
		Kind: string(req.Kind),
		Root: req.Root,
	}); err != nil {
		p.log.Warn("failed to record queued run", "run", req.ID, "error", err)
	}

	select {
	case p.reqs <- req:
		return nil
	default:
		_ = p.store.RecordRunResult(req.ID, "rejected", nil, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// Stop cancels the running batch, waits for the worker and closes every
// subscription.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.reqs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.reqs:
			if !ok {
				return
			}
			p.handle(ctx, req)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, req Request) {
	start := time.Now()
	logging.LogRunStart(p.log, string(req.Kind), req.ID, req.Root)
	if err := p.store.RecordRunStart(req.ID); err != nil {
		p.log.Warn("failed to record run start", "run", req.ID, "error", err)
	}

	res := p.processor.Process(ctx, req)
	res.Request = req
	res.Message = errString(res.Error)
	duration := time.Since(start)
	meta := res.Meta()

	state := "completed"
	if res.Error != nil {
		state = "failed"
		logging.LogRunError(p.log, string(req.Kind), req.ID, duration, res.Error, meta)
	} else {
		logging.LogRunComplete(p.log, string(req.Kind), req.ID, duration, meta)
	}
	if err := p.store.RecordRunResult(req.ID, state, meta, errString(res.Error)); err != nil {
		p.log.Warn("failed to record run result", "run", req.ID, "error", err)
	}

	p.broadcast(Update{Result: &res})
}

// Publish forwards a stage event to subscribers. It is meant to be set as
// the orchestrator's OnEvent.
func (p *Pipeline) Publish(ev batch.Event) {
	p.broadcast(Update{Event: &ev})
}

// Subscribe returns a channel for receiving updates and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Update, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Update, 256)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- u:
		default:
			p.log.Warn("update channel full", "subscriber", id)
		}
	}
}
