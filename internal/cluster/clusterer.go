package cluster

import (
	"errors"
	"math"

	"github.com/ai-log-analytics/backend/internal/storage/models"
)

// ErrClusteringFailure marks a run-level failure. The run is aborted
// without publishing anything; the previous generation's assignments
// stay authoritative.
var ErrClusteringFailure = errors.New("clustering failure")

// Clusterer labels each vector with a cluster id ≥ 0 or the outlier
// sentinel. Labels are parallel to the input slice.
type Clusterer interface {
	Cluster(vectors [][]float32) ([]int, error)
}

// DBSCAN is a density clusterer: a point with at least MinSamples
// neighbors within Eps seeds a cluster that grows through
// density-connected points; everything unreached is an outlier.
type DBSCAN struct {
	Eps        float64
	MinSamples int
}

var _ Clusterer = (*DBSCAN)(nil)

func (d *DBSCAN) Cluster(vectors [][]float32) ([]int, error) {
	if len(vectors) == 0 {
		return nil, nil
	}

	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return nil, errors.New("inconsistent vector dimensions")
		}
	}

	eps := d.Eps
	if eps <= 0 {
		eps = 0.5
	}
	minSamples := d.MinSamples
	if minSamples <= 0 {
		minSamples = 3
	}

	const (
		unvisited = -2
		noise     = models.ClusterOutlier
	)

	labels := make([]int, len(vectors))
	for i := range labels {
		labels[i] = unvisited
	}

	clusterID := 0
	for i := range vectors {
		if labels[i] != unvisited {
			continue
		}

		neighbors := regionQuery(vectors, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = noise
			continue
		}

		labels[i] = clusterID
		queue := append([]int(nil), neighbors...)

		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == noise {
				labels[j] = clusterID
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = clusterID

			jNeighbors := regionQuery(vectors, j, eps)
			if len(jNeighbors) >= minSamples {
				queue = append(queue, jNeighbors...)
			}
		}

		clusterID++
	}

	return labels, nil
}

// regionQuery returns indices within eps of vectors[i], including i.
func regionQuery(vectors [][]float32, i int, eps float64) []int {
	var neighbors []int
	for j := range vectors {
		if distance(vectors[i], vectors[j]) <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

func distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func centroidOf(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	centroid := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i, x := range v {
			centroid[i] += float64(x)
		}
	}
	out := make([]float32, len(centroid))
	for i, c := range centroid {
		out[i] = float32(c / float64(len(vectors)))
	}
	return out
}
