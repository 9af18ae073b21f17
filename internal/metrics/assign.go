package metrics

import (
	"math"

	"github.com/pkg/errors"
)

// ClusterAccuracy scores cluster assignments against ground-truth labels
// under the best one-to-one mapping from clusters to labels.
func ClusterAccuracy(clusters, labels []int) (float64, error) {
	if len(clusters) != len(labels) {
		return 0, errors.Errorf("metrics: %d cluster ids for %d labels", len(clusters), len(labels))
	}
	if len(clusters) == 0 {
		return 0, errors.New("metrics: no samples to score")
	}
	n := 0
	for i := range clusters {
		if clusters[i] < 0 || labels[i] < 0 {
			return 0, errors.Errorf("metrics: negative id at sample %d", i)
		}
		n = max(n, clusters[i]+1, labels[i]+1)
	}
	counts := make([][]float64, n)
	for i := range counts {
		counts[i] = make([]float64, n)
	}
	for i, c := range clusters {
		counts[c][labels[i]]++
	}
	return maxAssignment(counts) / float64(len(clusters)), nil
}

// maxAssignment returns the largest total weight of a perfect matching
// between the rows and columns of the square matrix w. It runs the
// Hungarian method with potentials on the negated weights.
func maxAssignment(w [][]float64) float64 {
	n := len(w)
	inf := math.Inf(1)
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	match := make([]int, n+1) // column -> row, 1-based, 0 is free
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)
	for i := 1; i <= n; i++ {
		match[0] = i
		j0 := 0
		for j := range minv {
			minv[j], used[j] = inf, false
		}
		for {
			used[j0] = true
			i0, delta, j1 := match[j0], inf, 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				if cur := -w[i0-1][j-1] - u[i0] - v[j]; cur < minv[j] {
					minv[j], way[j] = cur, j0
				}
				if minv[j] < delta {
					delta, j1 = minv[j], j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[match[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if match[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			match[j0] = match[j1]
			j0 = j1
		}
	}
	var total float64
	for j := 1; j <= n; j++ {
		total += w[match[j]-1][j-1]
	}
	return total
}
