package utils

import (
	"runtime"
	"sync"

	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// minRowsPerGroup keeps small images on the calling goroutine.
const minRowsPerGroup = 16

// ParallelForEachRow calls f for every row in [0, height). Rows are split into at most
// ParallelFactor contiguous groups, each run on its own goroutine. f must only write to state
// owned by its row.
func ParallelForEachRow(height int, f func(y int)) {
	groups := ParallelFactor
	if most := height / minRowsPerGroup; most < groups {
		groups = most
	}
	if groups <= 1 {
		for y := 0; y < height; y++ {
			f(y)
		}
		return
	}

	groupSize := height / groups
	extra := height % groups
	var wait sync.WaitGroup
	wait.Add(groups)
	for groupNum := 0; groupNum < groups; groupNum++ {
		from := groupSize * groupNum
		to := from + groupSize
		if groupNum == groups-1 {
			to += extra
		}
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			for y := from; y < to; y++ {
				f(y)
			}
		})
	}
	wait.Wait()
}
