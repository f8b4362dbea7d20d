package sharding

import "math"

// Centroid is one cluster center a vector column is sharded against.
// Each centroid belongs to one shard (its index modulo shard count, per
// context_builder.rs's Operator::Centroids wiring).
type Centroid struct {
	Vector []float64
	Shard  int
}

// NewCentroids builds one Centroid per row of raw, assigning shards
// round-robin across nShards — the same layout
// ContextBuilder::shards uses when it wraps configured centroids in an
// Operator::Centroids{shards, probes, centroids}.
func NewCentroids(raw [][]float64, nShards int) []Centroid {
	out := make([]Centroid, len(raw))
	for i, v := range raw {
		out[i] = Centroid{Vector: v, Shard: i % nShards}
	}
	return out
}

// euclideanDistance computes L2 distance between two equal-length
// vectors.
func euclideanDistance(a, b []float64) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// NearestCentroids returns the shard numbers of the probes centroids
// nearest to value, deduplicated, ordered nearest-first. A vector query
// that probes more than one centroid fans out to more than one shard.
func NearestCentroids(centroids []Centroid, value []float64, probes int) []int {
	if probes <= 0 {
		probes = 1
	}
	type scored struct {
		shard    int
		distance float64
	}
	scoredList := make([]scored, len(centroids))
	for i, c := range centroids {
		scoredList[i] = scored{shard: c.Shard, distance: euclideanDistance(c.Vector, value)}
	}
	// Simple selection sort over a typically small centroid set.
	for i := 0; i < len(scoredList); i++ {
		min := i
		for j := i + 1; j < len(scoredList); j++ {
			if scoredList[j].distance < scoredList[min].distance {
				min = j
			}
		}
		scoredList[i], scoredList[min] = scoredList[min], scoredList[i]
	}

	seen := make(map[int]bool)
	var out []int
	for _, s := range scoredList {
		if seen[s.shard] {
			continue
		}
		seen[s.shard] = true
		out = append(out, s.shard)
		if len(out) >= probes {
			break
		}
	}
	return out
}
