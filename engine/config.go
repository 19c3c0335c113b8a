// Package engine drives intents through their lifecycle: planning,
// optional negotiation, DAG-parallel step execution, and compensation on
// failure, emitting a tamper-evident event trace as it goes.
package engine

import "time"

// Config bounds the engine's behavior. NegotiationRequired and
// CompensationEnabled are additive policy switches: the status graph in the
// data model is unchanged either way, but when false (the default, matching
// the reference engine) the engine skips straight from Planning to
// Executing and never attempts a compensating rollback on failure.
type Config struct {
	WorkerPoolSize      int
	PollInterval        time.Duration
	NegotiationRequired bool
	CompensationEnabled bool

	// NegotiationTimeoutSeconds and NegotiationMaxRounds bound a session
	// created by StartNegotiation when the caller doesn't override them.
	NegotiationTimeoutSeconds int64
	NegotiationMaxRounds      uint32
}

// DefaultConfig matches the reference engine: a 5-worker pool and a 100ms
// idle poll between scans for newly Received intents.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:            5,
		PollInterval:              100 * time.Millisecond,
		NegotiationRequired:       false,
		CompensationEnabled:       false,
		NegotiationTimeoutSeconds: 300,
		NegotiationMaxRounds:      5,
	}
}
