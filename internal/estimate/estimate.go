// Package estimate projects the cost and duration of a batch before any
// provider call is made, so callers can surface a price up front.
package estimate

import "time"

// Observed averages for a single generated training conversation.
const (
	avgInputTokens  = 2000
	avgOutputTokens = 1500

	inputCostPer1K  = 0.003
	outputCostPer1K = 0.015

	secondsPerConversation = 12
)

// Estimate is the projected spend and wall-clock duration for a batch.
type Estimate struct {
	Cost     float64       `json:"estimatedCost"`
	Duration time.Duration `json:"-"`
	Seconds  int           `json:"estimatedSeconds"`
}

// PerConversation returns the projected dollar cost of one conversation.
func PerConversation() float64 {
	return avgInputTokens/1000.0*inputCostPer1K + avgOutputTokens/1000.0*outputCostPer1K
}

// ForBatch projects cost and duration for itemCount conversations processed
// with the given per-job concurrency. Duration assumes items fill every
// concurrency slot, so it is a floor for skewed workloads.
func ForBatch(itemCount, concurrency int) Estimate {
	if itemCount <= 0 {
		return Estimate{}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	waves := (itemCount + concurrency - 1) / concurrency
	seconds := waves * secondsPerConversation
	return Estimate{
		Cost:     float64(itemCount) * PerConversation(),
		Duration: time.Duration(seconds) * time.Second,
		Seconds:  seconds,
	}
}
