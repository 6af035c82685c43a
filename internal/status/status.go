// Package status records each project folder's pipeline stage as a sentinel
// file, <folder>/<name>_<STATUS>.txt, that is moved between states by rename.
// A folder without a sentinel was never bootstrapped.
package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"orthobatch/internal/project"
)

// Status is a project's pipeline state.
type Status int

const (
	Processing Status = iota + 1
	Complete
	NotEnoughMarkers
	RotationError
	ExportError
)

var names = map[Status]string{
	Processing:       "PROCESSING",
	Complete:         "COMPLETE",
	NotEnoughMarkers: "NOTENOUGHMARKERS",
	RotationError:    "ROTATION_ERROR",
	ExportError:      "EXPORTERROR",
}

// All lists every status in declaration order.
func All() []Status {
	return []Status{Processing, Complete, NotEnoughMarkers, RotationError, ExportError}
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether the status ends the pipeline for a project.
func (s Status) Terminal() bool {
	return s != Processing && s.Valid()
}

// NeedsReview reports whether a human has to look at the project.
func (s Status) NeedsReview() bool {
	return s.Terminal() && s != Complete
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	_, ok := names[s]
	return ok
}

// MarshalText lets statuses appear by name in JSON and YAML.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Parse converts a status name back into a Status.
func Parse(name string) (Status, error) {
	for s, n := range names {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

var (
	ErrNoSentinel     = errors.New("no status sentinel")
	ErrAmbiguous      = errors.New("more than one status sentinel")
	ErrTerminal       = errors.New("status is terminal")
	ErrAlreadyTracked = errors.New("folder already has a status sentinel")
	ErrInvalidStatus  = errors.New("invalid status")
)

const sentinelExt = ".txt"

// SentinelPath is where the sentinel for folder in state s lives.
func SentinelPath(folder string, s Status) string {
	return filepath.Join(folder, project.Name(folder)+"_"+s.String()+sentinelExt)
}

// Tracker manages sentinels. It holds no state of its own; the filesystem is
// the record.
type Tracker struct{}

// NewTracker returns a Tracker.
func NewTracker() *Tracker { return &Tracker{} }

// Begin creates the PROCESSING sentinel. It fails with ErrAlreadyTracked if
// the folder already carries any sentinel.
func (t *Tracker) Begin(folder string) error {
	found, err := t.sentinels(folder)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, found[0].path)
	}
	path := SentinelPath(folder, Processing)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyTracked, path)
		}
		return fmt.Errorf("create sentinel: %w", err)
	}
	return f.Close()
}

// Transition moves a PROCESSING project to next by renaming its sentinel.
// Moving to the current status is a no-op.
func (t *Tracker) Transition(folder string, next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, int(next))
	}
	cur, err := t.Current(folder)
	if err != nil {
		return err
	}
	if cur == next {
		return nil
	}
	if cur.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, folder, cur)
	}
	if err := os.Rename(SentinelPath(folder, cur), SentinelPath(folder, next)); err != nil {
		return fmt.Errorf("rename sentinel: %w", err)
	}
	return nil
}

// Current returns the folder's status. It fails with ErrNoSentinel for a
// folder that was never bootstrapped and ErrAmbiguous when more than one
// sentinel exists.
func (t *Tracker) Current(folder string) (Status, error) {
	found, err := t.sentinels(folder)
	if err != nil {
		return 0, err
	}
	switch len(found) {
	case 0:
		return 0, ErrNoSentinel
	case 1:
		return found[0].status, nil
	default:
		paths := make([]string, len(found))
		for i, f := range found {
			paths[i] = filepath.Base(f.path)
		}
		return 0, fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(paths, ", "))
	}
}

// Has reports whether the folder carries any sentinel.
func (t *Tracker) Has(folder string) (bool, error) {
	found, err := t.sentinels(folder)
	return len(found) > 0, err
}

type sentinel struct {
	path   string
	status Status
}

// sentinels is the only place a status is read back from a file name.
func (t *Tracker) sentinels(folder string) ([]sentinel, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", folder, err)
	}
	prefix := project.Name(folder) + "_"
	var out []sentinel
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, sentinelExt) {
			continue
		}
		s, err := Parse(strings.TrimSuffix(strings.TrimPrefix(name, prefix), sentinelExt))
		if err != nil {
			continue
		}
		out = append(out, sentinel{path: filepath.Join(folder, name), status: s})
	}
	return out, nil
}
