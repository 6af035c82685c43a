// Package gate decides whether a project is trustworthy enough to spend dense
// reconstruction and rasterization on it.
//
// A Pass walks the checks in a fixed order, markers then alignment then
// tilt, and the first failing check decides the project. There is no
// backtracking: once decided, a pass only reports its decision.
package gate

import (
	"errors"
	"fmt"
	"math"

	"orthobatch/internal/orientation"
	"orthobatch/internal/project"
	"orthobatch/internal/status"
)

var (
	// ErrOutOfOrder is returned when a check is called before its predecessor.
	ErrOutOfOrder = errors.New("gate check out of order")
	// ErrDecided is returned when a check is called after a terminal decision.
	ErrDecided = errors.New("gate already decided")
)

// Decision is the outcome of the gate.
type Decision int

const (
	Continue Decision = iota
	SkipMarkers
	SkipRotation
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "CONTINUE"
	case SkipMarkers:
		return "SKIP_MARKERS"
	case SkipRotation:
		return "SKIP_ROTATION"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Status maps a skip decision to the terminal status it records. Continue has
// no terminal status of its own.
func (d Decision) Status() (status.Status, bool) {
	switch d {
	case SkipMarkers:
		return status.NotEnoughMarkers, true
	case SkipRotation:
		return status.RotationError, true
	default:
		return 0, false
	}
}

// Thresholds configures the checks.
type Thresholds struct {
	RotationThreshold float64 // per-axis outlier limit, degrees
	PitchThreshold    float64 // residual average pitch limit, degrees
	MinMarkers        int
}

// DefaultThresholds are 5°, 2° and 3 markers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RotationThreshold: orientation.DefaultOutlierThreshold,
		PitchThreshold:    orientation.DefaultPitchThreshold,
		MinMarkers:        3,
	}
}

type step int

const (
	start step = iota
	markersChecked
	alignmentChecked
	tiltChecked
)

// Pass evaluates one project. The zero value is not usable; call NewPass.
type Pass struct {
	th       Thresholds
	step     step
	decided  bool
	decision Decision
	reason   string
}

// NewPass starts a pass with the given thresholds.
func NewPass(th Thresholds) *Pass {
	return &Pass{th: th}
}

// Reason explains a skip decision in one line. Empty while continuing.
func (p *Pass) Reason() string { return p.reason }

// Decision returns the decision so far and whether it is final. A pass that
// has cleared every check reports Continue as final.
func (p *Pass) Decision() (Decision, bool) {
	if p.decided {
		return p.decision, true
	}
	return Continue, p.step == tiltChecked
}

func (p *Pass) advance(from, to step) error {
	if p.decided {
		return fmt.Errorf("%w: %s", ErrDecided, p.decision)
	}
	if p.step != from {
		return ErrOutOfOrder
	}
	p.step = to
	return nil
}

func (p *Pass) skip(d Decision, reason string) Decision {
	p.decided = true
	p.decision = d
	p.reason = reason
	return d
}

// CheckMarkers applies the minimum-marker rule to the number of distinct
// catalog labels assigned.
func (p *Pass) CheckMarkers(assigned int) (Decision, error) {
	if err := p.advance(start, markersChecked); err != nil {
		return 0, err
	}
	if assigned < p.th.MinMarkers {
		return p.skip(SkipMarkers, fmt.Sprintf("%d catalog markers assigned, %d required", assigned, p.th.MinMarkers)), nil
	}
	return Continue, nil
}

// CheckAlignment looks for rotation outliers among the aligned cameras. A
// project without a single defined orientation sample fails as well.
func (p *Pass) CheckAlignment(cams []*project.Camera, frame project.Frame) (Decision, error) {
	if err := p.advance(markersChecked, alignmentChecked); err != nil {
		return 0, err
	}
	if _, ok := orientation.Average(cams, frame); !ok {
		return p.skip(SkipRotation, "no camera has a defined orientation after alignment"), nil
	}
	if out := orientation.Outliers(cams, frame, p.th.RotationThreshold); len(out) > 0 {
		return p.skip(SkipRotation, fmt.Sprintf("%d rotation outliers, first %s deviates %+v", len(out), out[0].Camera, out[0].Deviation)), nil
	}
	return Continue, nil
}

// CheckTilt applies the residual pitch rule after tilt removal. A pitch
// that cannot be computed counts as failing.
func (p *Pass) CheckTilt(avgPitch float64, defined bool) (Decision, error) {
	if err := p.advance(alignmentChecked, tiltChecked); err != nil {
		return 0, err
	}
	if !defined {
		return p.skip(SkipRotation, "average pitch undefined after tilt removal"), nil
	}
	if math.Abs(avgPitch) > p.th.PitchThreshold {
		return p.skip(SkipRotation, fmt.Sprintf("average pitch %.3f° exceeds %.3f°", avgPitch, p.th.PitchThreshold)), nil
	}
	return Continue, nil
}
