package bacnet

import "sync"

// Stats holds the worker's rolling counters. All updates happen on the
// worker's own goroutine, but Snapshot is safe to call from anywhere.
type Stats struct {
	mu sync.Mutex

	TotalReads, TotalWrites           int64
	SuccessfulReads, SuccessfulWrites int64
	FailedReads, FailedWrites         int64
	Timeouts                         int64
	ConnectedDevices                 int64

	avgReadTimeMs  float64
	avgWriteTimeMs float64
}

func (s *Stats) recordRead(ok bool, elapsedMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalReads++
	if ok {
		s.SuccessfulReads++
		s.avgReadTimeMs = rollingMean(s.avgReadTimeMs, s.SuccessfulReads, elapsedMs)
	} else {
		s.FailedReads++
	}
}

func (s *Stats) recordWrite(ok bool, elapsedMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalWrites++
	if ok {
		s.SuccessfulWrites++
		s.avgWriteTimeMs = rollingMean(s.avgWriteTimeMs, s.SuccessfulWrites, elapsedMs)
	} else {
		s.FailedWrites++
	}
}

func (s *Stats) recordTimeout() {
	s.mu.Lock()
	s.Timeouts++
	s.mu.Unlock()
}

func (s *Stats) setConnectedDevices(n int) {
	s.mu.Lock()
	s.ConnectedDevices = int64(n)
	s.mu.Unlock()
}

// rollingMean folds a new sample into a running average given the updated
// sample count (count includes the new sample).
func rollingMean(prevMean float64, count int64, sample float64) float64 {
	if count <= 1 {
		return sample
	}
	return prevMean + (sample-prevMean)/float64(count)
}

// Snapshot is an immutable copy of the counters for reporting.
type Snapshot struct {
	TotalReads, TotalWrites           int64
	SuccessfulReads, SuccessfulWrites int64
	FailedReads, FailedWrites         int64
	Timeouts                         int64
	AvgReadTimeMs, AvgWriteTimeMs    float64
	ConnectedDevices                 int64
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TotalReads: s.TotalReads, TotalWrites: s.TotalWrites,
		SuccessfulReads: s.SuccessfulReads, SuccessfulWrites: s.SuccessfulWrites,
		FailedReads: s.FailedReads, FailedWrites: s.FailedWrites,
		Timeouts: s.Timeouts,
		AvgReadTimeMs: s.avgReadTimeMs, AvgWriteTimeMs: s.avgWriteTimeMs,
		ConnectedDevices: s.ConnectedDevices,
	}
}
