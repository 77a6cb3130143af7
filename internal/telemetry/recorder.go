// Package telemetry exports runtime counters and latencies through
// OpenTelemetry or Prometheus.
package telemetry

import "time"

// Recorder receives runtime events. Implementations must be safe for
// concurrent use by every PE of a world.
type Recorder interface {
	BarrierCompleted(kind string, d time.Duration)
	QuietCompleted(peer int, d time.Duration)
	CompletionFault(peer int, status string)
	QueueDrained(peer int)
	AllocFailed(pool string)
}

// Nop discards every event.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) BarrierCompleted(string, time.Duration) {}
func (Nop) QuietCompleted(int, time.Duration)      {}
func (Nop) CompletionFault(int, string)            {}
func (Nop) QueueDrained(int)                       {}
func (Nop) AllocFailed(string)                     {}

func millis(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000_000.0
}
