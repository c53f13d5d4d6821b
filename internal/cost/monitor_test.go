package cost

import (
	"reflect"
	"testing"
)

func TestContextMonitorReportsPressuredRoles(t *testing.T) {
	m := NewContextMonitor(0.8)
	m.SetBudget("builder", 100_000)
	m.SetBudget("reviewer", 100_000)
	m.SetBudget("scout", 0) // unbounded, never reported

	m.Observe("builder", 85_000)
	m.Observe("reviewer", 20_000)
	m.Observe("scout", 900_000)

	if got := m.Pressured(); !reflect.DeepEqual(got, []string{"builder"}) {
		t.Errorf("Pressured() = %v, want [builder]", got)
	}

	// A later observation replaces the earlier total.
	m.Observe("builder", 10_000)
	m.Observe("reviewer", 80_000)
	if got := m.Pressured(); !reflect.DeepEqual(got, []string{"reviewer"}) {
		t.Errorf("Pressured() = %v, want [reviewer]", got)
	}
}

func TestContextMonitorIgnoresUnobservedRoles(t *testing.T) {
	m := NewContextMonitor(0)
	m.SetBudget("builder", 1_000)

	if got := m.Pressured(); got != nil {
		t.Errorf("Pressured() = %v, want none before any observation", got)
	}
}
