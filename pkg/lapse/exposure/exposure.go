// Package exposure converges the camera exposure onto a brightness band by
// multiplicative hill climbing.
//
// Each iteration opens a fresh device session with the current exposure,
// reads one frame and measures its brightness. Too dark frames raise the
// exposure by Factor (rounding up), too bright frames lower it (rounding
// down). The run ends in one of four states, none of which is an error:
//
//   - Converged: a frame fell strictly inside the band
//   - Clamped: the exposure hit a device limit
//   - Looping: the recent exposures alternate between too few values
//   - Exhausted: the iteration budget ran out
package exposure

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jamesainslie/lapse/pkg/lapse/device"
	"github.com/jamesainslie/lapse/pkg/lapse/logging"
	"github.com/jamesainslie/lapse/pkg/lapse/metrics"
	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// State is the state of an exposure search.
type State int

const (
	Probing State = iota
	Converged
	Clamped
	Looping
	Exhausted
)

var stateNames = [...]string{"probing", "converged", "clamped", "looping", "exhausted"}

func (s State) String() string {
	if s < Probing || s > Exhausted {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Defaults for Options.
const (
	DefaultFactor        = 1.05
	DefaultMaxIterations = 1000
	DefaultHistory       = 5
	DefaultMaxDistinct   = 2
)

// ErrNoExposure is returned when the config carries no starting exposure.
var ErrNoExposure = errors.New("no starting exposure")

// Options configure an Engine.
type Options struct {
	Band          types.Band
	Bounds        types.ExposureBounds
	Factor        float64
	MaxIterations int

	// History is the length of the trailing exposure window; the run stops
	// as Looping once the full window holds at most MaxDistinct values.
	History     int
	MaxDistinct int
}

func (o Options) withDefaults() Options {
	if o.Factor <= 1 {
		o.Factor = DefaultFactor
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.History < 2 {
		o.History = DefaultHistory
	}
	if o.MaxDistinct < 1 || o.MaxDistinct >= o.History {
		o.MaxDistinct = min(DefaultMaxDistinct, o.History-1)
	}
	if o.Bounds.Max == 0 {
		o.Bounds = types.DefaultExposureBounds()
	}
	return o
}

// Probe describes one iteration. Exposure is the value the frame was
// captured with and Next the value chosen for the following iteration.
type Probe struct {
	Iteration  int
	Exposure   int
	Brightness float64
	Next       int
	State      State
}

// Observer receives every probe as it completes.
type Observer func(Probe)

// Result is the outcome of a run.
type Result struct {
	Exposure   int
	Iterations int
	State      State
	Brightness float64
}

// Engine runs exposure searches against a device.
type Engine struct {
	opener   device.Opener
	opts     Options
	observer Observer
	log      *logging.Logger
}

// New returns an engine probing through opener.
func New(opener device.Opener, opts Options) *Engine {
	return &Engine{
		opener: opener,
		opts:   opts.withDefaults(),
		log:    logging.Get("exposure"),
	}
}

// Observe registers fn to receive every probe.
func (e *Engine) Observe(fn Observer) {
	e.observer = fn
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Run searches for an acceptable exposure starting from cfg.Exposure and
// writes the final value back into cfg. Terminal states are returned in the
// Result; only device failures and cancellation are errors, in which case
// cfg keeps the last exposure that was probed.
func (e *Engine) Run(ctx context.Context, cfg *types.CameraConfig) (Result, error) {
	if cfg.Exposure == nil {
		return Result{}, ErrNoExposure
	}

	opts := e.opts
	exposure := opts.Bounds.Clamp(*cfg.Exposure)
	hist := newHistory(opts.History)
	hist.push(exposure)

	e.log.Info("starting exposure search", "exposure", exposure, "band", opts.Band.String())

	var res Result
	for iter := 1; ; iter++ {
		probe := cfg.WithExposure(exposure)
		img, err := device.Probe(ctx, e.opener, probe)
		if err != nil {
			cfg.SetExposure(exposure)
			return Result{Exposure: exposure, Iterations: iter - 1, State: Probing, Brightness: res.Brightness},
				fmt.Errorf("exposure probe %d: %w", iter, err)
		}
		b, err := metrics.Brightness(img)
		if err != nil {
			cfg.SetExposure(exposure)
			return Result{Exposure: exposure, Iterations: iter, State: Probing},
				fmt.Errorf("exposure probe %d: %w", iter, err)
		}

		res = Result{Exposure: exposure, Iterations: iter, State: Probing, Brightness: b}
		next, state := step(exposure, b, iter, hist, opts)
		res.Exposure = next
		res.State = state

		e.log.Debug("probe", "iteration", iter, "exposure", exposure, "brightness", b, "next", next)
		if e.observer != nil {
			e.observer(Probe{Iteration: iter, Exposure: exposure, Brightness: b, Next: next, State: state})
		}

		if state != Probing {
			cfg.SetExposure(next)
			e.logTerminal(res)
			return res, nil
		}
		exposure = next
	}
}

// step applies one iteration of the search: the brightness verdict, then the
// iteration limit, then the rails, then oscillation detection.
func step(exposure int, b float64, iter int, hist *history, opts Options) (int, State) {
	var next int
	switch {
	case opts.Band.Below(b):
		next = min(opts.Bounds.Max, int(math.Ceil(float64(exposure)*opts.Factor)))
	case opts.Band.Above(b):
		next = max(opts.Bounds.Min, int(math.Floor(float64(exposure)/opts.Factor)))
	default:
		return exposure, Converged
	}

	if iter > opts.MaxIterations {
		return next, Exhausted
	}
	if next == opts.Bounds.Min || next == opts.Bounds.Max {
		return next, Clamped
	}
	hist.push(next)
	if hist.full() && hist.distinct() <= opts.MaxDistinct {
		return next, Looping
	}
	return next, Probing
}

func (e *Engine) logTerminal(res Result) {
	kv := []any{"exposure", res.Exposure, "brightness", res.Brightness, "iterations", res.Iterations}
	switch res.State {
	case Converged:
		e.log.Info("exposure converged", kv...)
	case Clamped:
		e.log.Info("exposure limit reached", kv...)
	case Looping:
		e.log.Info("exposure search oscillating, stopping", kv...)
	case Exhausted:
		e.log.Warn("exposure iteration limit exceeded", kv...)
	}
}

// history is a fixed-size trailing window of exposures.
type history struct {
	vals []int
	next int
	n    int
}

func newHistory(size int) *history {
	return &history{vals: make([]int, size)}
}

func (h *history) push(v int) {
	h.vals[h.next] = v
	h.next = (h.next + 1) % len(h.vals)
	h.n = min(h.n+1, len(h.vals))
}

func (h *history) full() bool {
	return h.n == len(h.vals)
}

func (h *history) distinct() int {
	seen := make(map[int]struct{}, h.n)
	for i := 0; i < h.n; i++ {
		seen[h.vals[i]] = struct{}{}
	}
	return len(seen)
}
