package domain

import "time"

// EventSink receives the discrete lifecycle events the runtime emits. An
// external logging/metrics collaborator subscribes by implementing it; the
// runtime does not mandate a format.
type EventSink interface {
	JobDispatched(jobType, strategy string)
	JobCompleted(jobType, strategy string, duration time.Duration)
	JobFailed(jobType, strategy, reason string)
	JobTimedOut(jobType, strategy string)
	CeilingChanged(previous, current int)
	ShutdownInitiated(reason string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) JobDispatched(string, string)               {}
func (NopSink) JobCompleted(string, string, time.Duration) {}
func (NopSink) JobFailed(string, string, string)           {}
func (NopSink) JobTimedOut(string, string)                 {}
func (NopSink) CeilingChanged(int, int)                    {}
func (NopSink) ShutdownInitiated(string)                   {}
