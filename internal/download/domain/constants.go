package domain

import "time"

// Defaults for the knobs a job may override
const (
	DefaultConcurrency  = 5
	DefaultFetchTimeout = 120 * time.Second
	DefaultMaxRetries   = 5
)

// Fault policies applied by the process dispatcher when a batch faults
const (
	FaultPolicyRequeue = "requeue"
	FaultPolicyAbort   = "abort"
)
