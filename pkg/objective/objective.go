// Package objective provides the built-in benchmark objectives used by
// the command line tools and the HTTP service. All objectives are
// minimization problems with a known optimum.
package objective

import (
	"fmt"
	"math"
	"sort"

	"github.com/cyw0ng95/descent/pkg/work"
)

// registry maps objective names to their implementations.
var registry = map[string]work.Objective{
	"sphere":     Sphere,
	"rosenbrock": Rosenbrock,
	"rastrigin":  Rastrigin,
}

// Sphere is Σ x_j²; optimum 0 at the origin.
func Sphere(params []float64) float64 {
	var s float64
	for _, p := range params {
		s += p * p
	}
	return s
}

// Rosenbrock is the classic banana valley; optimum 0 at (1, ..., 1).
func Rosenbrock(params []float64) float64 {
	var s float64
	for i := 0; i+1 < len(params); i++ {
		a := params[i+1] - params[i]*params[i]
		b := 1 - params[i]
		s += 100*a*a + b*b
	}
	return s
}

// Rastrigin is highly multimodal; optimum 0 at the origin.
func Rastrigin(params []float64) float64 {
	s := 10 * float64(len(params))
	for _, p := range params {
		s += p*p - 10*math.Cos(2*math.Pi*p)
	}
	return s
}

// ByName returns a registered objective.
func ByName(name string) (work.Objective, error) {
	obj, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown objective %q (have %v)", name, Names())
	}
	return obj, nil
}

// Names returns the registered objective names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
