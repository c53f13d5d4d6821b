// Package cost tracks token and dollar spend across a run, split by
// payment bucket so subscription-backed usage never inflates the
// metered bill.
package cost

import (
	"log"
	"sync"
	"time"

	"github.com/sgoodwin/foreman/pkg/models"
)

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultModelPricing contains pricing for known Claude models.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// fallbackPricing is used for metered models with no pricing entry.
var fallbackPricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// Price computes the dollar cost of a token count under a model's
// pricing. Unknown models fall back to mid-tier pricing.
func Price(model string, inputTokens, outputTokens int64) float64 {
	pricing, ok := DefaultModelPricing[model]
	if !ok {
		pricing = fallbackPricing
	}
	return float64(inputTokens)/1e6*pricing.InputPerMillion +
		float64(outputTokens)/1e6*pricing.OutputPerMillion
}

// Totals aggregates spend over some grouping of records.
type Totals struct {
	// InputTokens is the prompt-side token count.
	InputTokens int64 `json:"input_tokens"`
	// OutputTokens is the completion-side token count.
	OutputTokens int64 `json:"output_tokens"`
	// CostUSD is the metered dollar cost; zero for flat-rate groups.
	CostUSD float64 `json:"cost_usd"`
	// Exchanges is the number of records aggregated.
	Exchanges int `json:"exchanges"`
}

// TotalTokens returns the combined input and output token count.
func (t Totals) TotalTokens() int64 {
	return t.InputTokens + t.OutputTokens
}

func (t *Totals) add(rec models.CostRecord) {
	t.InputTokens += rec.InputTokens
	t.OutputTokens += rec.OutputTokens
	t.CostUSD += rec.CostUSD
	t.Exchanges++
}

// Sink receives records for durable storage. Persistence is best
// effort; accounting never fails a task over a storage error.
type Sink interface {
	WriteCostRecord(rec models.CostRecord) error
}

// Accountant accumulates cost records for one run. Safe for concurrent
// use; every agent exchange in a cycle reports here.
type Accountant struct {
	mu      sync.Mutex
	records []models.CostRecord
	sink    Sink
}

// NewAccountant creates an Accountant. sink may be nil for in-memory
// accounting only.
func NewAccountant(sink Sink) *Accountant {
	return &Accountant{sink: sink}
}

// Record prices and stores one exchange. Metered records with a zero
// cost get priced from the model's pricing table; flat-rate records are
// forced to zero dollars regardless of what the backend reported.
func (a *Accountant) Record(rec models.CostRecord) models.CostRecord {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	switch rec.Bucket {
	case models.BucketFlatRate:
		rec.CostUSD = 0
	case models.BucketMetered:
		if rec.CostUSD == 0 {
			rec.CostUSD = Price(rec.Model, rec.InputTokens, rec.OutputTokens)
		}
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()

	if a.sink != nil {
		if err := a.sink.WriteCostRecord(rec); err != nil {
			log.Printf("[cost] persist record: %v", err)
		}
	}
	return rec
}

// Records returns a copy of all records in arrival order.
func (a *Accountant) Records() []models.CostRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.CostRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Total aggregates every record.
func (a *Accountant) Total() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	var t Totals
	for _, rec := range a.records {
		t.add(rec)
	}
	return t
}

// ByBucket aggregates records per payment bucket.
func (a *Accountant) ByBucket() map[models.CostBucket]Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[models.CostBucket]Totals)
	for _, rec := range a.records {
		t := out[rec.Bucket]
		t.add(rec)
		out[rec.Bucket] = t
	}
	return out
}

// ByRole aggregates records per agent role.
func (a *Accountant) ByRole() map[string]Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Totals)
	for _, rec := range a.records {
		t := out[rec.Role]
		t.add(rec)
		out[rec.Role] = t
	}
	return out
}

// ByCycle aggregates records per cycle index.
func (a *Accountant) ByCycle() map[int]Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int]Totals)
	for _, rec := range a.records {
		t := out[rec.CycleIndex]
		t.add(rec)
		out[rec.CycleIndex] = t
	}
	return out
}

// CycleTotal aggregates records for one cycle.
func (a *Accountant) CycleTotal(cycleIndex int) Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	var t Totals
	for _, rec := range a.records {
		if rec.CycleIndex == cycleIndex {
			t.add(rec)
		}
	}
	return t
}
