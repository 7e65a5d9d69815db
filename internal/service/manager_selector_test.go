package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spec-kit/consultation-sync/internal/domain"
	"github.com/spec-kit/consultation-sync/internal/testutil/memstore"
)

func newSelector(store *memstore.Store, pick func(int) int) *ManagerSelector {
	return NewManagerSelector(SelectorDependencies{
		AgentRepo:        store.Agents(),
		ConsultationRepo: store.Consultations(),
		ClosureRepo:      store.Closures(),
		Pick:             pick,
	})
}

func putAgent(t *testing.T, store *memstore.Store, agent domain.Agent) {
	t.Helper()
	agent.Active = true
	if err := store.Agents().Upsert(context.Background(), &agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
}

func putQueue(store *memstore.Store, agentKey string, n int) {
	for i := 0; i < n; i++ {
		store.PutConsultation(domain.Consultation{
			ExternalKey: agentKey + "-" + string(rune('a'+i)),
			Scope:       domain.ScopeTenant,
			Status:      domain.StatusOpen,
			AgentKey:    agentKey,
		})
	}
}

var selectorNow = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

func TestSelectorExcludesIneligibleAgents(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	putAgent(t, store, domain.Agent{ERPKey: "no-capacity", Capacity: 0})
	putAgent(t, store, domain.Agent{ERPKey: "off-hours", Capacity: 5, Hours: &domain.WorkingHours{StartMinute: 14 * 60, EndMinute: 18 * 60}})
	putAgent(t, store, domain.Agent{ERPKey: "wrong-skill", Capacity: 5, Skills: []string{"payroll"}})
	putAgent(t, store, domain.Agent{ERPKey: "wrong-language", Capacity: 5, Languages: []string{"de"}})
	putAgent(t, store, domain.Agent{ERPKey: "closed", Capacity: 5})
	putAgent(t, store, domain.Agent{ERPKey: "full", Capacity: 2})
	putAgent(t, store, domain.Agent{ERPKey: "ok", Capacity: 10, Skills: []string{"tax"}, Languages: []string{"en"}})
	putQueue(store, "full", 2)
	putQueue(store, "ok", 8)
	if _, err := store.Closures().Close(ctx, domain.QueueClosure{Day: domain.DayOf(selectorNow, time.UTC), AgentKey: "closed"}); err != nil {
		t.Fatalf("close: %v", err)
	}

	sel := newSelector(store, nil)
	for i := 0; i < 20; i++ {
		ref, err := sel.SelectManager(ctx, "tax", "en", selectorNow)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if ref.ERPKey != "ok" {
			t.Fatalf("selected %q", ref.ERPKey)
		}
	}
}

func TestSelectorNoAvailableManager(t *testing.T) {
	store := memstore.New()
	putAgent(t, store, domain.Agent{ERPKey: "full", Capacity: 1})
	putQueue(store, "full", 1)

	_, err := newSelector(store, nil).SelectManager(context.Background(), "", "", selectorNow)
	if !errors.Is(err, ErrNoAvailableManager) {
		t.Fatalf("expected ErrNoAvailableManager, got %v", err)
	}
}

func TestSelectorCandidatesWithinTolerance(t *testing.T) {
	store := memstore.New()
	putAgent(t, store, domain.Agent{ERPKey: "a", Capacity: 20})
	putAgent(t, store, domain.Agent{ERPKey: "b", Capacity: 20})
	putAgent(t, store, domain.Agent{ERPKey: "c", Capacity: 20})
	putQueue(store, "b", 1)
	putQueue(store, "c", 10)

	var offered int
	sel := newSelector(store, func(n int) int {
		offered = n
		return n - 1
	})
	ref, err := sel.SelectManager(context.Background(), "", "", selectorNow)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if offered != 2 || ref.ERPKey != "b" {
		t.Fatalf("offered %d candidates, picked %q", offered, ref.ERPKey)
	}
}

func TestSelectorRandomizesBetweenTiedAgents(t *testing.T) {
	store := memstore.New()
	putAgent(t, store, domain.Agent{ERPKey: "a", Capacity: 5})
	putAgent(t, store, domain.Agent{ERPKey: "b", Capacity: 5})

	sel := newSelector(store, nil)
	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		ref, err := sel.SelectManager(context.Background(), "", "", selectorNow)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		seen[ref.ERPKey]++
	}
	if seen["a"] == 0 || seen["b"] == 0 {
		t.Fatalf("both tied agents should be picked, got %v", seen)
	}
}

func TestSelectorConcurrentRequestsShareSingleAgent(t *testing.T) {
	store := memstore.New()
	putAgent(t, store, domain.Agent{ERPKey: "only", Capacity: 50})
	sel := newSelector(store, nil)

	var wg sync.WaitGroup
	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := sel.SelectManager(context.Background(), "tax", "", selectorNow)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- ref.ERPKey
		}()
	}
	wg.Wait()
	close(results)
	for got := range results {
		if got != "only" {
			t.Fatalf("got %q", got)
		}
	}
}

func TestAgentLoadsOverview(t *testing.T) {
	store := memstore.New()
	putAgent(t, store, domain.Agent{ERPKey: "a", Capacity: 4})
	putAgent(t, store, domain.Agent{ERPKey: "z", Capacity: 0})
	putQueue(store, "a", 1)

	loads, err := newSelector(store, nil).AgentLoads(context.Background())
	if err != nil {
		t.Fatalf("loads: %v", err)
	}
	if len(loads) != 2 {
		t.Fatalf("expected 2 loads, got %d", len(loads))
	}
	if loads[0].ERPKey != "a" || loads[0].LoadPercent != 25 || loads[0].FreeSlots != 3 {
		t.Fatalf("unexpected first load %+v", loads[0])
	}
	if loads[1].ERPKey != "z" || loads[1].Load != 1.0 {
		t.Fatalf("zero capacity agent should be fully loaded: %+v", loads[1])
	}
}

func TestEstimateRangeBelowFloor(t *testing.T) {
	est := Estimate(4, 5, 15)
	if !est.IsRange || est.MinMinutes != 20 || est.MaxMinutes != 60 {
		t.Fatalf("estimate = %+v", est)
	}
	est = Estimate(4, 20, 15)
	if est.IsRange || est.Minutes != 80 {
		t.Fatalf("estimate = %+v", est)
	}
}

func TestEstimatorUsesHistory(t *testing.T) {
	store := memstore.New()
	now := selectorNow
	for i := 0; i < 3; i++ {
		start := now.Add(-time.Duration(i+1) * time.Hour)
		end := start.Add(5 * time.Minute)
		store.PutConsultation(domain.Consultation{
			ExternalKey: "done-" + string(rune('a'+i)),
			Status:      domain.StatusClosed,
			AgentKey:    "a",
			StartAt:     &start,
			EndAt:       &end,
		})
	}
	est := NewQueueEstimator(store.Consultations(), EstimatorConfig{}, func() time.Time { return now })

	wait, err := est.EstimateWait(context.Background(), "a", 4)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !wait.IsRange || wait.MinMinutes != 20 || wait.MaxMinutes != 60 {
		t.Fatalf("wait = %+v", wait)
	}
	fallback, err := est.EstimateWait(context.Background(), "nobody", 2)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if fallback.IsRange || fallback.Minutes != 30 {
		t.Fatalf("fallback = %+v", fallback)
	}
}
