package core

import "time"

// Metrics receives operational counters from the workers. The HTTP package
// provides the Prometheus-backed implementation.
type Metrics interface {
	// PollCompleted records one tick outcome: "playing", "idle" or "error".
	PollCompleted(status string)
	// ListenRecorded records one accepted listen from "poll" or "backfill".
	ListenRecorded(source string)
	// StoreError records a failed store write by operation name.
	StoreError(op string)
	// ReconcileCompleted records one successful reconciliation pass.
	ReconcileCompleted(inserted, skipped int)
	// MetadataSynced records synced metadata documents by kind.
	MetadataSynced(kind string, count int)
	// ObservePollInterval reports the interval chosen for the next tick.
	ObservePollInterval(d time.Duration)
}

// NopMetrics discards all observations. Used in tests.
type NopMetrics struct{}

func (NopMetrics) PollCompleted(string)              {}
func (NopMetrics) ListenRecorded(string)             {}
func (NopMetrics) StoreError(string)                 {}
func (NopMetrics) ReconcileCompleted(int, int)       {}
func (NopMetrics) MetadataSynced(string, int)        {}
func (NopMetrics) ObservePollInterval(time.Duration) {}
