package faceapi

import (
	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-gate/internal/constants"
)

// Comparator matches a face embedding against candidate embeddings.
type Comparator struct {
	// Tolerance is the largest distance still considered a match.
	Tolerance float64
	// Distance defaults to Euclidean distance.
	Distance hnsw.DistanceFunc
}

// NewComparator creates a Euclidean comparator. A non-positive tolerance uses the default.
func NewComparator(tolerance float64) *Comparator {
	if tolerance <= 0 {
		tolerance = constants.DefaultMatchTolerance
	}
	return &Comparator{Tolerance: tolerance, Distance: hnsw.EuclideanDistance}
}

// BestMatch returns the index of the first candidate within tolerance.
// Candidates with a different dimension are never matched.
func (c *Comparator) BestMatch(target []float32, candidates [][]float32) (int, bool) {
	if len(target) == 0 {
		return -1, false
	}
	distance := c.Distance
	if distance == nil {
		distance = hnsw.EuclideanDistance
	}
	for i, cand := range candidates {
		if len(cand) != len(target) {
			continue
		}
		if float64(distance(target, cand)) <= c.Tolerance {
			return i, true
		}
	}
	return -1, false
}

// Closest returns the index and distance of the nearest candidate regardless of tolerance.
func (c *Comparator) Closest(target []float32, candidates [][]float32) (int, float64) {
	distance := c.Distance
	if distance == nil {
		distance = hnsw.EuclideanDistance
	}
	best, bestDist := -1, 0.0
	for i, cand := range candidates {
		if len(cand) != len(target) || len(cand) == 0 {
			continue
		}
		d := float64(distance(target, cand))
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}
