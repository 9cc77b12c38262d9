// Package gd implements population-based steepest descent with
// one-sided finite differences. One population carries several
// independent starting points; each iteration fans out one perturbed
// child per parameter and parent, evaluates the whole population and
// steps every parent against its children's fitness differences.
package gd

import (
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/cyw0ng95/descent/pkg/assert"
	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/work"
)

// Fitness is the raw/transformed tuple tracked for the best parent.
type Fitness struct {
	Raw         float64 `json:"raw"`
	Transformed float64 `json:"transformed"`
}

// Algorithm is the narrow interface optimization clients program
// against.
type Algorithm interface {
	// Init validates the configuration, sizes the population and moves
	// the algorithm into the running state
	Init() error
	// CycleLogic performs one iteration and returns the best fitness
	// among the starting points
	CycleLogic() (Fitness, error)
	// Finalize releases evaluation resources
	Finalize() error
	// ProcessableItems returns the number of population members whose
	// fitness is stale
	ProcessableItems() int
}

// State is the lifecycle state of a driver.
type State int

const (
	// PreInit is the state before a successful Init
	PreInit State = iota
	// Running accepts CycleLogic calls
	Running
	// Halted is entered on a halt condition or a fatal error
	Halted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case PreInit:
		return "pre-init"
	case Running:
		return "running"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// Config holds the tunables of one descent run.
type Config struct {
	// StartingPoints is the number of simultaneous descents (N)
	StartingPoints int
	// StepSize scales the gradient step, in per mill of the parameter
	// range
	StepSize float64
	// FiniteStep is the difference quotient offset, in per mill of the
	// parameter range
	FiniteStep float64
	// MaxIterations caps the run length (0 = DefaultMaxIterations)
	MaxIterations int
	// MaxDuration caps the wall-clock time (0 = unlimited)
	MaxDuration time.Duration
	// MaxStalls halts after this many iterations without improvement
	// (0 = DefaultMaxStalls)
	MaxStalls int
	// Seed fixes the random source used to diversify cloned starting
	// points (0 = time-based)
	Seed int64
}

// withDefaults fills zero fields with package defaults.
func (c Config) withDefaults() Config {
	if c.StartingPoints <= 0 {
		c.StartingPoints = common.DefaultStartingPoints
	}
	if c.StepSize == 0 {
		c.StepSize = common.DefaultStepSize
	}
	if c.FiniteStep == 0 {
		c.FiniteStep = common.DefaultFiniteStep
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = common.DefaultMaxIterations
	}
	if c.MaxStalls <= 0 {
		c.MaxStalls = common.DefaultMaxStalls
	}
	return c
}

// Recorder receives one notification per finished iteration. Both the
// checkpoint store and the run history store satisfy it.
type Recorder interface {
	Record(runID string, iteration int, final bool, best Fitness, parents []work.Item) error
}

// Descent is the variant-independent driver core. Variants plug their
// evaluation strategy into the evaluate hook.
type Descent struct {
	cfg Config

	pop []work.Item
	n   int // starting points
	d   int // active parameters per item

	stepRatio    float64
	lower, upper []float64
	adjustedStep []float64

	state     State
	iteration int
	started   time.Time

	best      Fitness
	haveBest  bool
	stalls    int
	haltCause string

	rng    *rand.Rand
	logger *common.Logger

	// evaluate refreshes the fitness of every population member
	evaluate func() error

	runID     string
	recorders []Recorder
}

// newDescent builds the core from the caller's starting items. The
// items become the first parents; ownership moves to the driver.
func newDescent(items []work.Item, cfg Config, logger *common.Logger) *Descent {
	if logger == nil {
		logger = common.NewLogger(nil, "gd", common.InfoLevel)
	}
	cfg = cfg.withDefaults()

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Descent{
		cfg:    cfg,
		pop:    items,
		n:      cfg.StartingPoints,
		state:  PreInit,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// SetRunID names the run for checkpoints and history records.
func (g *Descent) SetRunID(id string) { g.runID = id }

// AddRecorder attaches a per-iteration recorder (checkpoints, history).
func (g *Descent) AddRecorder(r Recorder) { g.recorders = append(g.recorders, r) }

// State returns the driver state.
func (g *Descent) State() State { return g.state }

// Iteration returns the number of completed iterations.
func (g *Descent) Iteration() int { return g.iteration }

// Best returns the best fitness seen so far over all iterations.
func (g *Descent) Best() Fitness { return g.best }

// HaltCause names the halt condition once the driver is halted.
func (g *Descent) HaltCause() string { return g.haltCause }

// Population exposes the population for variants and tests.
func (g *Descent) Population() []work.Item { return g.pop }

// ProcessableItems returns the number of dirty population members.
func (g *Descent) ProcessableItems() int {
	count := 0
	for _, item := range g.pop {
		if item.IsDirty() {
			count++
		}
	}
	return count
}

// Init validates the configuration, adjusts the population to
// N*(D+1) members and computes the per-coordinate finite steps.
func (g *Descent) Init() error {
	if g.state != PreInit {
		return fmt.Errorf("%w: Init called in state %s", common.ErrInvalidConfiguration, g.state)
	}
	if g.evaluate == nil {
		return fmt.Errorf("%w: no evaluation strategy installed", common.ErrInvalidConfiguration)
	}
	if g.cfg.StepSize <= 0 || g.cfg.StepSize > 1000 {
		return fmt.Errorf("%w: step size %g outside ]0, 1000]", common.ErrInvalidConfiguration, g.cfg.StepSize)
	}
	if g.cfg.FiniteStep <= 0 || g.cfg.FiniteStep > 1000 {
		return fmt.Errorf("%w: finite step %g outside ]0, 1000]", common.ErrInvalidConfiguration, g.cfg.FiniteStep)
	}

	if err := g.adjustPopulation(); err != nil {
		return err
	}

	// The step ratio and the per-coordinate steps are computed in
	// extended precision so long parameter ranges do not lose digits.
	ratio := new(big.Float).SetPrec(128).Quo(
		new(big.Float).SetPrec(128).SetFloat64(g.cfg.StepSize),
		new(big.Float).SetPrec(128).SetFloat64(g.cfg.FiniteStep),
	)
	g.stepRatio, _ = ratio.Float64()

	g.lower, g.upper = g.pop[0].Bounds()
	if len(g.lower) != g.d || len(g.upper) != g.d {
		return fmt.Errorf("%w: bounds of length %d/%d for dimension %d",
			common.ErrDimensionMismatch, len(g.lower), len(g.upper), g.d)
	}

	g.adjustedStep = make([]float64, g.d)
	perMill := new(big.Float).SetPrec(128).Quo(
		new(big.Float).SetPrec(128).SetFloat64(g.cfg.FiniteStep),
		new(big.Float).SetPrec(128).SetFloat64(1000),
	)
	for j := 0; j < g.d; j++ {
		span := new(big.Float).SetPrec(128).Sub(
			new(big.Float).SetPrec(128).SetFloat64(g.upper[j]),
			new(big.Float).SetPrec(128).SetFloat64(g.lower[j]),
		)
		step, _ := new(big.Float).SetPrec(128).Mul(perMill, span).Float64()
		g.adjustedStep[j] = step
	}

	g.state = Running
	g.started = time.Now()
	g.logger.Info("descent initialized: %d starting points, %d parameters, population %d",
		g.n, g.d, len(g.pop))
	return nil
}

// adjustPopulation resizes the population to N parents plus D children
// per parent.
func (g *Descent) adjustPopulation() error {
	if len(g.pop) == 0 {
		return fmt.Errorf("%w: no starting items in the population", common.ErrInvalidConfiguration)
	}

	g.d = g.pop[0].ParameterCount()
	if g.d == 0 {
		return fmt.Errorf("%w: no active floating point parameters", common.ErrInvalidConfiguration)
	}
	for i := 1; i < len(g.pop); i++ {
		if g.pop[i].ParameterCount() != g.d {
			return fmt.Errorf("%w: item %d has %d parameters, first item has %d",
				common.ErrDimensionMismatch, i, g.pop[i].ParameterCount(), g.d)
		}
	}

	// Grow to N starting points by cloning and diversifying the first
	// item, or truncate surplus items.
	if len(g.pop) < g.n {
		for i := len(g.pop); i < g.n; i++ {
			clone := g.pop[0].Clone()
			clone.RandomInit(g.rng)
			g.pop = append(g.pop, clone)
		}
	} else {
		g.pop = g.pop[:g.n]
	}

	// Append the children used for the difference quotients.
	for i := 0; i < g.n; i++ {
		for j := 0; j < g.d; j++ {
			g.pop = append(g.pop, g.pop[i].Clone())
		}
	}

	assert.Assertf(func() bool { return len(g.pop) == g.n*(g.d+1) },
		"population size %d, want %d", len(g.pop), g.n*(g.d+1))
	return nil
}

// CycleLogic performs one iteration: step the parents against the
// previous evaluation, fan out fresh children, evaluate everything and
// account for progress.
func (g *Descent) CycleLogic() (Fitness, error) {
	if g.state != Running {
		return Fitness{}, fmt.Errorf("%w: CycleLogic called in state %s",
			common.ErrInvalidConfiguration, g.state)
	}

	if g.iteration > 0 {
		g.updateParents()
	}
	g.updateChildren()

	if err := g.evaluate(); err != nil {
		g.halt("evaluation error")
		return Fitness{}, err
	}

	best, _ := g.accountProgress()
	g.iteration++

	for _, r := range g.recorders {
		if err := r.Record(g.runID, g.iteration, false, g.best, g.pop[:g.n]); err != nil {
			g.logger.Warn("iteration %d: recorder failed: %v", g.iteration, err)
		}
	}

	g.checkHalt()
	return best, nil
}

// updateParents steps every clean parent against the fitness
// differences of its children. Parents whose evaluation did not
// complete stay where they are and retry after the next evaluation.
func (g *Descent) updateParents() {
	parmVec := make([]float64, 0, g.d)

	for i := 0; i < g.n; i++ {
		parent := g.pop[i]
		if parent.IsDirty() {
			g.logger.Warn("iteration %d: parent %d has a stale fitness, skipping its step", g.iteration, i)
			continue
		}

		parentFitness, err := parent.Fitness(work.TransformedFitness, work.PreventReevaluation)
		if err != nil {
			g.logger.Warn("iteration %d: parent %d fitness unavailable: %v", g.iteration, i, err)
			continue
		}

		parent.StreamlineActiveDoubles(&parmVec)

		usable := true
		for j := 0; j < g.d; j++ {
			childPos := g.n + i*g.d + j
			childFitness, err := g.pop[childPos].Fitness(work.TransformedFitness, work.PreventReevaluation)
			if err != nil {
				g.logger.Warn("iteration %d: child (%d, %d) fitness unavailable: %v", g.iteration, i, j, err)
				usable = false
				break
			}
			// One-sided difference quotient, rescaled by the adjusted
			// finite step through the precomputed ratio
			parmVec[j] -= g.stepRatio * (childFitness - parentFitness)
		}
		if !usable {
			continue
		}

		if err := parent.AssignActiveDoubles(parmVec); err != nil {
			g.logger.Error("iteration %d: parent %d rejected its update: %v", g.iteration, i, err)
		}
	}
}

// updateChildren loads each parent's state into its D children and
// perturbs one coordinate per child by the adjusted finite step.
func (g *Descent) updateChildren() {
	parmVec := make([]float64, 0, g.d)

	for i := 0; i < g.n; i++ {
		parent := g.pop[i]
		parent.StreamlineActiveDoubles(&parmVec)

		for j := 0; j < g.d; j++ {
			childPos := g.n + i*g.d + j
			child := g.pop[childPos]

			if err := child.CopyFrom(parent); err != nil {
				g.logger.Error("iteration %d: cannot load parent %d into child %d: %v",
					g.iteration, i, childPos, err)
				continue
			}

			orig := parmVec[j]
			parmVec[j] += g.adjustedStep[j]
			if err := child.AssignActiveDoubles(parmVec); err != nil {
				g.logger.Error("iteration %d: child %d rejected its parameters: %v",
					g.iteration, childPos, err)
			}
			parmVec[j] = orig
		}
	}
}

// accountProgress finds the best parent of this iteration and tracks
// the best-known fitness and the stall counter.
func (g *Descent) accountProgress() (Fitness, bool) {
	iterBest := Fitness{}
	found := false

	for i := 0; i < g.n; i++ {
		parent := g.pop[i]
		if parent.IsDirty() {
			continue
		}
		raw, err := parent.Fitness(work.RawFitness, work.PreventReevaluation)
		if err != nil {
			continue
		}
		transformed, err := parent.Fitness(work.TransformedFitness, work.PreventReevaluation)
		if err != nil {
			continue
		}
		if !found || transformed < iterBest.Transformed {
			iterBest = Fitness{Raw: raw, Transformed: transformed}
			found = true
		}
	}

	if !found {
		// Evaluation did not produce a single usable parent; count the
		// iteration as stalled
		g.stalls++
		return g.best, false
	}

	improved := !g.haveBest || iterBest.Transformed < g.best.Transformed
	if improved {
		g.best = iterBest
		g.haveBest = true
		g.stalls = 0
	} else {
		g.stalls++
	}
	return iterBest, improved
}

// checkHalt applies the iteration, wall-clock and stall caps.
func (g *Descent) checkHalt() {
	switch {
	case g.iteration >= g.cfg.MaxIterations:
		g.halt("iteration limit reached")
	case g.cfg.MaxDuration > 0 && time.Since(g.started) >= g.cfg.MaxDuration:
		g.halt("wall-clock limit reached")
	case g.stalls >= g.cfg.MaxStalls:
		g.halt("no improvement limit reached")
	}
}

// halt moves the driver to the halted state.
func (g *Descent) halt(cause string) {
	if g.state == Halted {
		return
	}
	g.state = Halted
	g.haltCause = cause
	g.logger.Info("descent halted after %d iterations: %s (best %.6g)",
		g.iteration, cause, g.best.Transformed)
}

// Finalize records the final checkpoint. Variant wrappers release their
// evaluation resources on top of this.
func (g *Descent) Finalize() error {
	if g.state == Running {
		g.halt("finalized")
	}
	for _, r := range g.recorders {
		if err := r.Record(g.runID, g.iteration, true, g.best, g.pop[:g.n]); err != nil {
			g.logger.Warn("final recorder failed: %v", err)
		}
	}
	return nil
}

// Optimize drives CycleLogic until a halt condition is met and returns
// the best fitness found.
func (g *Descent) Optimize() (Fitness, error) {
	if g.state == PreInit {
		if err := g.Init(); err != nil {
			return Fitness{}, err
		}
	}
	for g.state == Running {
		if _, err := g.CycleLogic(); err != nil {
			return g.best, err
		}
	}
	return g.best, nil
}
