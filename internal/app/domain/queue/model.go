// Package queue holds the durable run-queue entry used to hand work from the
// Scheduler to the Runner Pool.
package queue

import "time"

// Status is the lifecycle of a queued run.
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
)

// Entry is one pending or in-flight run request. Leases are time-bounded so
// an abandoned worker cannot hold a subject's single-flight slot forever.
type Entry struct {
	ID            string     `json:"id"`
	TestID        string     `json:"test_id"`
	DueAt         time.Time  `json:"due_ts"`
	Attempt       int        `json:"attempt"`
	Status        Status     `json:"status"`
	LeasedBy      string     `json:"leased_by,omitempty"`
	LeasedUntilAt *time.Time `json:"leased_until_ts,omitempty"`
}
