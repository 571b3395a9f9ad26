package timex

import "time"

var epoch = time.Now()

// NanoTime is a monotonic nanosecond clock. Only differences are meaningful.
func NanoTime() int64 {
	return int64(time.Since(epoch))
}

func Since(start int64) int64 {
	return NanoTime() - start
}

func SinceDur(start int64) time.Duration {
	return time.Duration(NanoTime() - start)
}

type StopWatch int64

func NewStopWatch() StopWatch {
	return StopWatch(NanoTime())
}

func (s *StopWatch) Start() {
	*s = StopWatch(NanoTime())
}

// Stop returns the nanoseconds since the last Start or Stop and restarts.
func (s *StopWatch) Stop() int64 {
	o := int64(*s)
	n := NanoTime()
	*s = StopWatch(n)
	return n - o
}

func (s *StopWatch) Elapsed() int64 {
	return NanoTime() - int64(*s)
}

func (s *StopWatch) ElapsedDur() time.Duration {
	return time.Duration(NanoTime() - int64(*s))
}

// UnixNano is wall clock time, used for timestamps persisted in segments.
func UnixNano() int64 {
	return time.Now().UnixNano()
}
