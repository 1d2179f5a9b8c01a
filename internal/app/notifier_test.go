package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jaakkos/leadline/internal/domain"
)

type collector struct {
	mu     sync.Mutex
	events []domain.Event
	ch     chan domain.Event
}

func newCollector() *collector {
	return &collector{ch: make(chan domain.Event, 64)}
}

func (c *collector) Publish(ev domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.ch <- ev:
	default:
	}
}

func (c *collector) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Name
	}
	c.events = nil
	return out
}

func today() string { return "2026-03-02" }

func TestNotifier_FirstCheckPrimesSilently(t *testing.T) {
	state := domain.NewCRMState()
	state.Leads = append(state.Leads, domain.Lead{ID: "l1", Name: "Ravi"})
	col := newCollector()
	n := NewNotifier(filepath.Join(t.TempDir(), ".leadline-notify"), &memRepo{state: state}, col, today, nil)

	n.CheckOnce()
	if got := col.take(); len(got) != 0 {
		t.Errorf("first check published %v", got)
	}
}

func TestNotifier_PublishesDiff(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	state := domain.NewCRMState()
	repo := &memRepo{state: state}
	col := newCollector()
	n := NewNotifier(filepath.Join(t.TempDir(), ".leadline-notify"), repo, col, today, nil)
	n.CheckOnce()

	state.Callers["c1"] = &domain.Caller{ID: "c1", Name: "Asha", IsActive: true, DailyLeadLimit: 5, UpdatedAt: t0}
	state.Leads = append(state.Leads, domain.Lead{ID: "l1", Name: "Ravi", Status: domain.StatusNew, UpdatedAt: t0})
	n.CheckOnce()
	assertEvents(t, col.take(), domain.EventLeadNew, domain.EventLeadUnassigned, domain.EventCallerUpdated)

	n.CheckOnce()
	assertEvents(t, col.take())

	state.Leads[0].AssignedCallerID = domain.StringPtr("c1")
	state.Leads[0].Status = domain.StatusAssigned
	state.Leads[0].UpdatedAt = t0.Add(time.Minute)
	state.Callers["c1"].TodayLeadCount = 1
	state.Callers["c1"].CountDate = today()
	n.CheckOnce()
	assertEvents(t, col.take(), domain.EventLeadUpdated, domain.EventCallerUpdated)

	state.Leads[0].AssignedCallerID = nil
	state.Leads[0].Status = domain.StatusNew
	state.Leads[0].UpdatedAt = t0.Add(2 * time.Minute)
	n.CheckOnce()
	assertEvents(t, col.take(), domain.EventLeadUpdated, domain.EventLeadUnassigned)
}

func TestNotifier_PayloadsAreFullRecords(t *testing.T) {
	state := domain.NewCRMState()
	col := newCollector()
	n := NewNotifier(filepath.Join(t.TempDir(), ".leadline-notify"), &memRepo{state: state}, col, today, nil)
	n.CheckOnce()

	state.Callers["c1"] = &domain.Caller{ID: "c1", Name: "Asha", IsActive: true, DailyLeadLimit: 1, TodayLeadCount: 1, CountDate: today()}
	state.Leads = append(state.Leads, domain.Lead{ID: "l1", Name: "Ravi", Status: domain.StatusAssigned, AssignedCallerID: domain.StringPtr("c1")})
	n.CheckOnce()

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.events) != 2 {
		t.Fatalf("events = %+v", col.events)
	}
	env, ok := col.events[0].Data.(LeadEnvelope)
	if !ok || env.Lead.ID != "l1" || env.Lead.AssignedCaller == nil || env.Lead.AssignedCaller.Name != "Asha" {
		t.Errorf("lead:new payload = %#v", col.events[0].Data)
	}
	cv, ok := col.events[1].Data.(CallerView)
	if !ok || cv.Status != domain.CallerBusy {
		t.Errorf("caller:updated payload = %#v", col.events[1].Data)
	}
}

func TestNotifier_StartTriggerStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	col := newCollector()
	n := NewNotifier(env.pol.SignalFilePath(), env.repo, col, today, nil,
		WithDebounce(5*time.Millisecond),
		WithPollInterval(time.Hour),
	)
	env.svc.SetNotifier(n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Start(ctx)

	// Wait for the baseline before writing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n.checkMu.Lock()
		primed := n.primed
		n.checkMu.Unlock()
		if primed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notifier never primed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.addLead(t, "Ravi", "Goa")

	select {
	case ev := <-col.ch:
		if ev.Name != domain.EventLeadNew {
			t.Errorf("first event = %s, want lead:new", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lead:new")
	}

	cancel()
	n.Stop()
	// A trigger after stop must not schedule work.
	n.Trigger()
}

func assertEvents(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}
