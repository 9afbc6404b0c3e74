package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBollingerUndefinedBeforePeriod(t *testing.T) {
	closes := []float64{1, 2, 3, 4}
	pts := Bollinger(closes, 5, 2)
	for i, p := range pts {
		assert.False(t, p.Defined, "index %d should be undefined with p=5 and only %d closes", i, len(closes))
	}
}

func TestBollingerConstantSeriesHasZeroWidth(t *testing.T) {
	closes := []float64{10, 10, 10, 10, 10}
	band := BollingerLast(closes, 5, 2)
	assert.True(t, band.Defined)
	assert.Equal(t, 10.0, band.Mid)
	assert.Equal(t, 10.0, band.Upper)
	assert.Equal(t, 10.0, band.Lower)
}

func TestBollingerPopulationSigma(t *testing.T) {
	// closes 1..5: mean=3, population variance = ((4+1+0+1+4)/5) = 2, sigma = sqrt(2)
	closes := []float64{1, 2, 3, 4, 5}
	band := BollingerLast(closes, 5, 2)
	assert.True(t, band.Defined)
	assert.InDelta(t, 3.0, band.Mid, 1e-9)
	sigma := math.Sqrt(2)
	assert.InDelta(t, 3+2*sigma, band.Upper, 1e-9)
	assert.InDelta(t, 3-2*sigma, band.Lower, 1e-9)
}

func TestBollingerRollsTheWindow(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 100}
	pts := Bollinger(closes, 5, 2)
	// last point's window is [2,3,4,5,100], not [1,2,3,4,5]
	assert.True(t, pts[5].Defined)
	assert.NotEqual(t, pts[4].Mid, pts[5].Mid)
}
