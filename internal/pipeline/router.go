package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"orthobatch/internal/batch"
)

// runner is the part of batch.Orchestrator the router needs.
type runner interface {
	Run(ctx context.Context, runID, root string) (batch.Summary, error)
	Reortho(ctx context.Context, runID, root string) (batch.Summary, error)
}

// router implements Processor and routes requests to the orchestrator.
type router struct {
	log *slog.Logger
	run runner
}

// NewRouter wraps an orchestrator as a Processor.
func NewRouter(logger *slog.Logger, orch *batch.Orchestrator) Processor {
	return &router{log: logger, run: orch}
}

func (r *router) Process(ctx context.Context, req Request) Result {
	var (
		summary batch.Summary
		err     error
	)
	switch req.Kind {
	case KindRun:
		summary, err = r.run.Run(ctx, req.ID, req.Root)
	case KindReortho:
		summary, err = r.run.Reortho(ctx, req.ID, req.Root)
	default:
		return Result{Request: req, Error: fmt.Errorf("unknown run kind: %s", req.Kind)}
	}
	if err != nil {
		r.log.Debug("batch returned early", "run", req.ID, "processed", len(summary.Outcomes), "error", err)
	}
	return Result{Request: req, Summary: summary, Error: err}
}
