package work

import (
	"fmt"
	"math/rand"

	"github.com/cyw0ng95/descent/pkg/common"
)

// Objective computes the raw fitness of a parameter vector. Objectives
// must be pure: the same input always yields the same output.
type Objective func(params []float64) float64

// Transform maps a raw fitness to the transformed value used for
// comparisons. The zero value (nil) is the identity.
type Transform func(raw float64) float64

// Vector is the concrete work item used by the numerical drivers: a
// fixed-dimension vector of float64 parameters with per-coordinate
// bounds and a pluggable objective.
type Vector struct {
	params []float64
	lower  []float64
	upper  []float64

	raw         float64
	transformed float64
	dirty       bool

	id ID

	objective Objective
	transform Transform
}

// NewVector creates a dirty work item with the given initial parameters
// and uniform bounds applied to every coordinate.
func NewVector(params []float64, lower, upper float64, objective Objective) (*Vector, error) {
	lo := make([]float64, len(params))
	hi := make([]float64, len(params))
	for i := range params {
		lo[i] = lower
		hi[i] = upper
	}
	return NewBoundedVector(params, lo, hi, objective)
}

// NewBoundedVector creates a dirty work item with per-coordinate bounds.
func NewBoundedVector(params, lower, upper []float64, objective Objective) (*Vector, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: empty parameter vector", common.ErrInvalidConfiguration)
	}
	if len(lower) != len(params) || len(upper) != len(params) {
		return nil, fmt.Errorf("%w: bounds length %d/%d does not match dimension %d",
			common.ErrInvalidConfiguration, len(lower), len(upper), len(params))
	}
	for i := range params {
		if lower[i] >= upper[i] {
			return nil, fmt.Errorf("%w: empty range [%g, %g] in coordinate %d",
				common.ErrInvalidConfiguration, lower[i], upper[i], i)
		}
	}
	if objective == nil {
		return nil, fmt.Errorf("%w: nil objective", common.ErrInvalidConfiguration)
	}

	v := &Vector{
		params:    append([]float64(nil), params...),
		lower:     lower,
		upper:     upper,
		dirty:     true,
		objective: objective,
	}
	return v, nil
}

// SetTransform installs a fitness transform and invalidates the stored
// fitness tuple.
func (v *Vector) SetTransform(t Transform) {
	v.transform = t
	v.dirty = true
}

// SetCourtierID stamps the routing id before submission
func (v *Vector) SetCourtierID(id ID) { v.id = id }

// CourtierID returns the routing id of the last submission
func (v *Vector) CourtierID() ID { return v.id }

// IsDirty reports whether the stored fitness is stale
func (v *Vector) IsDirty() bool { return v.dirty }

// MarkDirty invalidates the stored fitness
func (v *Vector) MarkDirty() { v.dirty = true }

// Fitness returns the requested fitness value, evaluating first when
// the policy allows and the item is dirty.
func (v *Vector) Fitness(kind FitnessKind, policy ReevalPolicy) (float64, error) {
	if v.dirty {
		if policy == PreventReevaluation {
			return 0, common.ErrStaleFitness
		}
		v.raw = v.objective(v.params)
		if v.transform != nil {
			v.transformed = v.transform(v.raw)
		} else {
			v.transformed = v.raw
		}
		v.dirty = false
	}

	if kind == RawFitness {
		return v.raw, nil
	}
	return v.transformed, nil
}

// SetFitness stores an externally computed fitness tuple and clears the
// dirty flag. Used by consumers that evaluate out of process.
func (v *Vector) SetFitness(raw, transformed float64) {
	v.raw = raw
	v.transformed = transformed
	v.dirty = false
}

// StreamlineActiveDoubles projects the parameters into dst
func (v *Vector) StreamlineActiveDoubles(dst *[]float64) {
	*dst = append((*dst)[:0], v.params...)
}

// AssignActiveDoubles injects new parameter values and marks the item dirty
func (v *Vector) AssignActiveDoubles(src []float64) error {
	if len(src) != len(v.params) {
		return fmt.Errorf("%w: got %d values for dimension %d",
			common.ErrDimensionMismatch, len(src), len(v.params))
	}
	copy(v.params, src)
	v.dirty = true
	return nil
}

// Bounds returns the per-parameter boundaries
func (v *Vector) Bounds() (lower, upper []float64) { return v.lower, v.upper }

// ParameterCount returns the number of active parameters
func (v *Vector) ParameterCount() int { return len(v.params) }

// Clone returns a copy with its own parameters and fitness state; the
// bounds slices, objective and transform are shared with the original
func (v *Vector) Clone() Item {
	cp := &Vector{
		params:      append([]float64(nil), v.params...),
		lower:       v.lower,
		upper:       v.upper,
		raw:         v.raw,
		transformed: v.transformed,
		dirty:       v.dirty,
		id:          v.id,
		objective:   v.objective,
		transform:   v.transform,
	}
	return cp
}

// CopyFrom loads another item's full state into this one. The other
// item must be a *Vector of the same dimension.
func (v *Vector) CopyFrom(other Item) error {
	o, ok := other.(*Vector)
	if !ok {
		return fmt.Errorf("%w: cannot load %T into *Vector", common.ErrDimensionMismatch, other)
	}
	if len(o.params) != len(v.params) {
		return fmt.Errorf("%w: got dimension %d, want %d",
			common.ErrDimensionMismatch, len(o.params), len(v.params))
	}

	copy(v.params, o.params)
	v.lower = o.lower
	v.upper = o.upper
	v.raw = o.raw
	v.transformed = o.transformed
	v.dirty = o.dirty
	v.id = o.id
	v.objective = o.objective
	v.transform = o.transform
	return nil
}

// RandomInit draws each parameter uniformly from its range
func (v *Vector) RandomInit(r *rand.Rand) {
	for i := range v.params {
		v.params[i] = v.lower[i] + r.Float64()*(v.upper[i]-v.lower[i])
	}
	v.dirty = true
}
