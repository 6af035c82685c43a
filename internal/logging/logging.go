package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orthobatch/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "traditional":
		return slog.New(&TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: opts.Level.Level()})
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup configures global logging with optional file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("orthobatch-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)

		// Best effort; a missing symlink only costs convenience.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "orthobatch-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	multiWriter := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{Level: level})
	} else {
		handler = &TraditionalHandler{
			logger: log.New(multiWriter, "", log.LstdFlags),
			level:  level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("orthobatch logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())

	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// [LEVEL] message [k=v ...]
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogProjectStart logs the beginning of one project folder's pipeline.
func LogProjectStart(logger *slog.Logger, runID, folder string, photos int, resumed bool) {
	logger.Info("project started",
		"run", runID,
		"folder", folder,
		"photos", photos,
		"resumed", resumed,
	)
}

// LogProjectComplete logs a project reaching a terminal status.
func LogProjectComplete(logger *slog.Logger, runID, folder, status string, duration time.Duration) {
	logger.Info("project finished",
		"run", runID,
		"folder", folder,
		"status", status,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogProjectError logs a project aborted by an engine or input failure.
func LogProjectError(logger *slog.Logger, runID, folder, stage string, duration time.Duration, err error) {
	logger.Error("project failed",
		"run", runID,
		"folder", folder,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogStage logs individual pipeline stages within a project
func LogStage(logger *slog.Logger, folder, stage, status string, details map[string]any) {
	logger.Info("pipeline stage",
		"folder", folder,
		"stage", stage,
		"status", status,
		"details", details,
	)
}

// LogRunStart logs a queued batch run being picked up.
func LogRunStart(logger *slog.Logger, kind, runID, root string) {
	logger.Info("run started",
		"kind", kind,
		"run", runID,
		"root", root,
	)
}

// LogRunComplete logs a batch run that went through every folder.
func LogRunComplete(logger *slog.Logger, kind, runID string, duration time.Duration, meta map[string]any) {
	logger.Info("run completed",
		"kind", kind,
		"run", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"summary", meta,
	)
}

// LogRunError logs a batch run that stopped early.
func LogRunError(logger *slog.Logger, kind, runID string, duration time.Duration, err error, meta map[string]any) {
	logger.Error("run failed",
		"kind", kind,
		"run", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"summary", meta,
	)
}
