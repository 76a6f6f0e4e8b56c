// Package focus finds the sharpest manual focus position with a coarse grid
// sweep followed by progressively finer sweeps around the best position.
package focus

import (
	"context"
	"errors"
	"fmt"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/metrics"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// ErrEmptyPlan is returned when the coarse stage has no positions.
var ErrEmptyPlan = errors.New("focus plan has no coarse positions")

// Stage is a half-open range of focus positions [Start, End) visited in
// steps of Step.
type Stage struct {
	Start, End, Step int
}

// Positions lists the positions of the stage in ascending order.
func (s Stage) Positions() []int {
	if s.Step <= 0 {
		return nil
	}
	var out []int
	for v := s.Start; v < s.End; v += s.Step {
		out = append(out, v)
	}
	return out
}

func (s Stage) String() string {
	return fmt.Sprintf("[%d,%d)/%d", s.Start, s.End, s.Step)
}

// Refinement is a window placed around the current best position.
type Refinement struct {
	Below, Above, Step int
}

// Around returns the stage centred on best, clipped to the focus range.
func (r Refinement) Around(best int) Stage {
	return Stage{
		Start: max(types.MinFocus, best-r.Below),
		End:   min(types.MaxFocus, best+r.Above),
		Step:  r.Step,
	}
}

// Plan is the sequence of sweeps.
type Plan struct {
	Coarse Stage
	Refine []Refinement
}

// DefaultPlan sweeps [0,230) by 25, then ±(15,20) by 5, then ±(10,12) by 2.
func DefaultPlan() Plan {
	return Plan{
		Coarse: Stage{Start: 0, End: 230, Step: 25},
		Refine: []Refinement{
			{Below: 15, Above: 20, Step: 5},
			{Below: 10, Above: 12, Step: 2},
		},
	}
}

// Probe is a single focus measurement.
type Probe struct {
	Stage     int
	Focus     int
	Sharpness float64
}

// Observer receives every probe as it completes.
type Observer func(Probe)

// StageResult summarises one sweep.
type StageResult struct {
	Stage     Stage
	Positions []int
	Scores    []float64
	Best      int
	Score     float64

	// Kept is set when the sweep did not replace the carried candidate.
	Kept bool
}

// Result is the outcome of a focus search.
type Result struct {
	Focus     int
	Sharpness float64
	Probes    int
	Stages    []StageResult
}

// Engine runs focus searches against a device.
type Engine struct {
	opener   device.Opener
	plan     Plan
	observer Observer
	log      *logging.Logger
}

// New returns an engine using the given plan. A zero plan means DefaultPlan.
func New(opener device.Opener, plan Plan) *Engine {
	if plan.Coarse.Step == 0 && len(plan.Refine) == 0 {
		plan = DefaultPlan()
	}
	return &Engine{opener: opener, plan: plan, log: logging.Get("focus")}
}

// Observe registers fn to receive every probe.
func (e *Engine) Observe(fn Observer) {
	e.observer = fn
}

// Run sweeps the plan using cfg for everything but focus and writes the
// sharpest position into cfg with autofocus disabled. On error cfg is left
// untouched.
func (e *Engine) Run(ctx context.Context, cfg *types.CameraConfig) (Result, error) {
	positions := e.plan.Coarse.Positions()
	if len(positions) == 0 {
		return Result{}, ErrEmptyPlan
	}

	e.log.Info("starting focus search", "coarse", e.plan.Coarse.String(), "stages", 1+len(e.plan.Refine))

	var res Result
	coarse, err := e.sweep(ctx, *cfg, 0, e.plan.Coarse, &res)
	if err != nil {
		return res, err
	}
	best, score := coarse.Best, coarse.Score
	res.Stages = append(res.Stages, coarse)

	for i, r := range e.plan.Refine {
		stage := r.Around(best)
		sr, err := e.sweep(ctx, *cfg, i+1, stage, &res)
		if err != nil {
			return res, err
		}
		best, score = carry(&sr, best, score)
		res.Stages = append(res.Stages, sr)
		e.log.Debug("focus stage", "stage", i+1, "window", stage.String(), "best", best, "sharpness", score, "kept", sr.Kept)
	}

	res.Focus, res.Sharpness = best, score
	cfg.Autofocus = false
	cfg.SetFocus(best)
	e.log.Info("focus selected", "focus", best, "sharpness", score, "probes", res.Probes)
	return res, nil
}

// sweep probes every position of stage and records the first maximum.
func (e *Engine) sweep(ctx context.Context, base types.CameraConfig, idx int, stage Stage, res *Result) (StageResult, error) {
	sr := StageResult{Stage: stage, Positions: stage.Positions()}
	for i, pos := range sr.Positions {
		img, err := device.Probe(ctx, e.opener, base.WithFocus(pos))
		if err != nil {
			return sr, fmt.Errorf("focus probe at %d: %w", pos, err)
		}
		s, err := metrics.Sharpness(img)
		if err != nil {
			return sr, fmt.Errorf("focus probe at %d: %w", pos, err)
		}
		res.Probes++
		sr.Scores = append(sr.Scores, s)
		if i == 0 || s > sr.Score {
			sr.Best, sr.Score = pos, s
		}
		if e.observer != nil {
			e.observer(Probe{Stage: idx, Focus: pos, Sharpness: s})
		}
	}
	return sr, nil
}

// carry decides between the sweep's maximum and the carried candidate. The
// candidate survives an empty window, and a window that skipped it without
// beating its recorded score.
func carry(sr *StageResult, best int, score float64) (int, float64) {
	if len(sr.Positions) == 0 {
		sr.Kept = true
		sr.Best, sr.Score = best, score
		return best, score
	}
	reprobed := false
	for _, p := range sr.Positions {
		if p == best {
			reprobed = true
			break
		}
	}
	if !reprobed && score > sr.Score {
		sr.Kept = true
		sr.Best, sr.Score = best, score
		return best, score
	}
	return sr.Best, sr.Score
}
