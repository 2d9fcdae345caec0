package dispatch

import "fmt"

// AutorangeWorkers lists every rank in a group of size as a worker. The
// boss's own rank is left out unless includeBoss is set.
func AutorangeWorkers(boss, size int, includeBoss bool) ([]WorkerID, error) {
	out := make([]WorkerID, 0, size)
	for p := 0; p < size; p++ {
		if includeBoss || p != boss {
			out = append(out, WorkerID(p))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: group size %d, include_boss=%t", ErrNoWorkers, size, includeBoss)
	}
	return out, nil
}

// AutorangeJobs numbers n jobs 0..n-1.
func AutorangeJobs(n int) []JobID {
	if n <= 0 {
		return []JobID{}
	}
	out := make([]JobID, n)
	for i := range out {
		out[i] = JobID(i)
	}
	return out
}
