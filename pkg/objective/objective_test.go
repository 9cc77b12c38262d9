package objective

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSphere(t *testing.T) {
	assert.Zero(t, Sphere([]float64{0, 0, 0}))
	assert.Equal(t, 14.0, Sphere([]float64{1, 2, 3}))
}

func TestRosenbrock(t *testing.T) {
	assert.Zero(t, Rosenbrock([]float64{1, 1, 1}))
	assert.Greater(t, Rosenbrock([]float64{0, 0}), 0.0)
}

func TestRastrigin(t *testing.T) {
	assert.InDelta(t, 0, Rastrigin([]float64{0, 0}), 1e-12)
	assert.Greater(t, Rastrigin([]float64{0.5, 0.5}), 0.0)
}

func TestByName(t *testing.T) {
	obj, err := ByName("sphere")
	require.NoError(t, err)
	assert.Equal(t, 4.0, obj([]float64{2}))

	_, err = ByName("simplex")
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"rastrigin", "rosenbrock", "sphere"}, Names())
}
