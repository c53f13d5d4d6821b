package cost

import (
	"sort"
	"sync"
)

// DefaultWarnRatio is the fraction of a context budget at which a role
// is reported as pressured.
const DefaultWarnRatio = 0.8

// ContextMonitor watches per-role token totals against context budgets
// and reports which roles are close to needing a conversation reset.
// It only observes; resets stay the agent's decision.
type ContextMonitor struct {
	mu        sync.Mutex
	warnRatio float64
	budgets   map[string]int64
	observed  map[string]int64
}

// NewContextMonitor creates a monitor that flags roles at or above
// warnRatio of their budget. A non-positive ratio uses DefaultWarnRatio.
func NewContextMonitor(warnRatio float64) *ContextMonitor {
	if warnRatio <= 0 {
		warnRatio = DefaultWarnRatio
	}
	return &ContextMonitor{
		warnRatio: warnRatio,
		budgets:   make(map[string]int64),
		observed:  make(map[string]int64),
	}
}

// SetBudget registers a role's context budget. A non-positive budget
// removes the role from monitoring.
func (m *ContextMonitor) SetBudget(role string, maxTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxTokens <= 0 {
		delete(m.budgets, role)
		return
	}
	m.budgets[role] = maxTokens
}

// Observe records the latest cumulative token total for a role. Totals
// replace rather than accumulate; callers pass session stats as-is.
func (m *ContextMonitor) Observe(role string, totalTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed[role] = totalTokens
}

// Pressured returns the roles whose observed total has reached the warn
// ratio of their budget, sorted for stable output.
func (m *ContextMonitor) Pressured() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var roles []string
	for role, budget := range m.budgets {
		total, ok := m.observed[role]
		if !ok {
			continue
		}
		if float64(total) >= m.warnRatio*float64(budget) {
			roles = append(roles, role)
		}
	}
	sort.Strings(roles)
	return roles
}
