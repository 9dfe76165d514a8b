package tfidf

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedder_RequiresPrepare(t *testing.T) {
	_, err := NewEmbedder().Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestEmbedder_PrepareRejectsEmptyCorpus(t *testing.T) {
	assert.Error(t, NewEmbedder().Prepare(nil))
	assert.Error(t, NewEmbedder().Prepare([]string{"the and of"}))
}

func TestEmbedder_VectorsAreNormalized(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare([]string{
		"Probation caseloads grew in rural counties.",
		"Parole violations declined after reform.",
	}))
	assert.Equal(t, "tfidf", e.Name())
	assert.Greater(t, e.Dimension(), 0)

	v, err := e.Embed(context.Background(), "probation caseloads")
	require.NoError(t, err)
	require.Len(t, v, e.Dimension())

	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

func TestEmbedder_UnknownTermsGiveZeroVector(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare([]string{"probation parole"}))

	v, err := e.Embed(context.Background(), "zebra")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestEmbedder_SimilarTextScoresHigher(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare([]string{
		"probation caseloads rural counties",
		"parole violations reform",
	}))
	q, _ := e.Embed(context.Background(), "probation counties")
	a, _ := e.Embed(context.Background(), "probation caseloads rural counties")
	b, _ := e.Embed(context.Background(), "parole violations reform")

	assert.Greater(t, dot(q, a), dot(q, b))
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
