// FILE: indicator.go
// Package main – Bollinger Band indicator.
//
// Pure and stateless, in the spirit of the teacher's indicators.go rolling
// window technique (ZScore's running sum/sumSq), generalized from a z-score
// to the three Bollinger outputs. No smoothing, no EMA: close-only, population
// standard deviation (divide by P, not P-1).
package main

import "math"

// BandPoint is one output slot of the Bollinger Band computation.
// Defined reports whether the window had at least P closes behind it; the
// first P-1 points of any series are always undefined.
type BandPoint struct {
	Mid     float64
	Upper   float64
	Lower   float64
	Defined bool
}

// Bollinger computes (mid, upper, lower) for every index of closes, using a
// trailing window of length p and band multiplier k. mid is the simple mean
// of the last p closes ending at that index; upper/lower are mid +/- k*sigma
// with sigma the population standard deviation of the same window.
func Bollinger(closes []float64, p int, k float64) []BandPoint {
	out := make([]BandPoint, len(closes))
	if p <= 1 || len(closes) == 0 {
		return out
	}
	var sum, sumSq float64
	for i, x := range closes {
		sum += x
		sumSq += x * x
		if i >= p {
			y := closes[i-p]
			sum -= y
			sumSq -= y * y
		}
		if i < p-1 {
			continue
		}
		mean := sum / float64(p)
		variance := math.Max(sumSq/float64(p)-mean*mean, 0)
		sigma := math.Sqrt(variance)
		out[i] = BandPoint{
			Mid:     mean,
			Upper:   mean + k*sigma,
			Lower:   mean - k*sigma,
			Defined: true,
		}
	}
	return out
}

// BollingerLast returns the Bollinger Band at the final index of closes, or
// Defined=false if closes has fewer than p entries.
func BollingerLast(closes []float64, p int, k float64) BandPoint {
	if len(closes) < p {
		return BandPoint{}
	}
	pts := Bollinger(closes, p, k)
	return pts[len(pts)-1]
}
