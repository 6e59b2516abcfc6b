package utils

import (
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"
)

func TestParallelForEachRow(t *testing.T) {
	for _, height := range []int{0, 1, 15, 16, 17, 100, 719} {
		counts := make([]int, height)
		var calls atomic.Int64
		ParallelForEachRow(height, func(y int) {
			counts[y]++
			calls.Inc()
		})
		test.That(t, calls.Load(), test.ShouldEqual, int64(height))
		for y, c := range counts {
			if c != 1 {
				t.Fatalf("row %d of %d visited %d times", y, height, c)
			}
		}
	}
}

func TestParallelForEachRowSingleGroup(t *testing.T) {
	prev := ParallelFactor
	ParallelFactor = 1
	defer func() { ParallelFactor = prev }()

	var order []int
	ParallelForEachRow(40, func(y int) { order = append(order, y) })
	test.That(t, len(order), test.ShouldEqual, 40)
	for i, y := range order {
		test.That(t, y, test.ShouldEqual, i)
	}
}
