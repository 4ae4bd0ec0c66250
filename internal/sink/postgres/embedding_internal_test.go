package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVector_RoundTrips(t *testing.T) {
	v := []float32{0.1, -0.2, 3.5, 0, 1e-3}
	decoded := decodeVector(encodeVector(v))
	require.Len(t, decoded, len(v))
	for i := range v {
		assert.InDelta(t, v[i], decoded[i], 1e-6)
	}
}

func TestVectorLiteral_ParsesBack(t *testing.T) {
	v := []float32{1, 2.5, -3.25}
	parsed, err := parseVectorLiteral(vectorLiteral(v))
	require.NoError(t, err)
	require.Len(t, parsed, len(v))
	for i := range v {
		assert.InDelta(t, v[i], parsed[i], 1e-4)
	}
}

func TestCosineSimilarity_IdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, cosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarity_OrthogonalVectorsIsZero(t *testing.T) {
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestCosineSimilarity_MismatchedLengthIsNegative(t *testing.T) {
	assert.Equal(t, -1.0, cosineSimilarity([]float32{1, 2}, []float32{1}))
}
