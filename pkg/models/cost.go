package models

import "time"

// CostBucket classifies how a backend is paid for.
type CostBucket string

const (
	// BucketMetered covers pay-per-token API usage with a real dollar cost.
	BucketMetered CostBucket = "metered"
	// BucketFlatRate covers subscription-backed usage where dollars are
	// always zero and only token volume is informative.
	BucketFlatRate CostBucket = "flat_rate"
)

// Valid returns true if the bucket is a known value.
func (b CostBucket) Valid() bool {
	return b == BucketMetered || b == BucketFlatRate
}

// CostRecord captures the resource usage of a single agent exchange.
type CostRecord struct {
	// RunID is the run this exchange belongs to.
	RunID string `json:"run_id"`
	// CycleIndex is the cycle the exchange happened in.
	CycleIndex int `json:"cycle_index"`
	// TaskID is the task being worked, or empty for planner and
	// summarizer exchanges.
	TaskID string `json:"task_id,omitempty"`
	// Role is the agent role that performed the exchange.
	Role string `json:"role"`
	// Backend identifies the session variant, "cli" or "api".
	Backend string `json:"backend"`
	// Model is the model identifier used for the exchange.
	Model string `json:"model,omitempty"`
	// Bucket classifies the spend.
	Bucket CostBucket `json:"bucket"`
	// InputTokens is the prompt-side token count.
	InputTokens int64 `json:"input_tokens"`
	// OutputTokens is the completion-side token count.
	OutputTokens int64 `json:"output_tokens"`
	// CostUSD is the dollar cost, always zero for flat-rate buckets.
	CostUSD float64 `json:"cost_usd"`
	// Timestamp is when the exchange completed.
	Timestamp time.Time `json:"timestamp"`
}

// TotalTokens returns the combined input and output token count.
func (r CostRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}
