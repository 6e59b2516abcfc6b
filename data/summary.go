package data

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
)

// Summary describes what a Collector received and wrote.
type Summary struct {
	Frames       int
	BytesWritten int64
	Elapsed      time.Duration
	// Interval statistics are over the gaps between consecutive frames and are zero with fewer
	// than two frames.
	MeanInterval   time.Duration
	MedianInterval time.Duration
	P95Interval    time.Duration
	MaxInterval    time.Duration
}

// FPS is the average rate frames arrived at.
func (s Summary) FPS() float64 {
	if s.MeanInterval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.MeanInterval)
}

// Summary computes the statistics of every frame appended so far.
func (c *Collector) Summary() (Summary, error) {
	c.mu.Lock()
	arrivals := append([]time.Time(nil), c.arrivals...)
	summary := Summary{Frames: c.frames}
	c.mu.Unlock()
	summary.BytesWritten = c.bytesWritten.Load()

	if len(arrivals) < 2 {
		return summary, nil
	}
	summary.Elapsed = arrivals[len(arrivals)-1].Sub(arrivals[0])
	intervals := make(stats.Float64Data, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		intervals = append(intervals, float64(arrivals[i].Sub(arrivals[i-1])))
	}

	mean, err := intervals.Mean()
	if err != nil {
		return summary, err
	}
	median, err := intervals.Median()
	if err != nil {
		return summary, err
	}
	p95, err := intervals.Percentile(95)
	if err != nil {
		return summary, err
	}
	maxInterval, err := intervals.Max()
	if err != nil {
		return summary, err
	}
	summary.MeanInterval = time.Duration(mean)
	summary.MedianInterval = time.Duration(median)
	summary.P95Interval = time.Duration(p95)
	summary.MaxInterval = time.Duration(maxInterval)
	return summary, nil
}

// Table renders the summary for a terminal.
func (s Summary) Table() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Frames", "Written", "Elapsed", "FPS", "Mean", "Median", "P95", "Max"})
	t.AppendRow(table.Row{
		s.Frames,
		units.HumanSize(float64(s.BytesWritten)),
		s.Elapsed.Round(time.Millisecond),
		fmt.Sprintf("%.1f", s.FPS()),
		s.MeanInterval.Round(time.Microsecond),
		s.MedianInterval.Round(time.Microsecond),
		s.P95Interval.Round(time.Microsecond),
		s.MaxInterval.Round(time.Microsecond),
	})
	return t.Render()
}
