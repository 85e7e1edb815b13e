package session

import (
	"testing"
	"time"
)

func TestRegistryStartGetListAndStop(t *testing.T) {
	r := NewRegistry(nil)

	sup1 := r.StartSession(Options{Model: "test-model", StreamFn: simpleStreamFn("hi")})
	sup2 := r.StartSession(Options{Model: "test-model", StreamFn: simpleStreamFn("hi")})
	defer sup1.Stop()
	defer sup2.Stop()

	if _, ok := r.Get(sup1.ID()); !ok {
		t.Fatal("registered session not found by ID")
	}

	ids := r.List()
	if len(ids) != 2 {
		t.Fatalf("List() = %v, want 2 entries", ids)
	}

	if err := r.StopSession("no-such-session"); err == nil {
		t.Fatal("StopSession on an unknown ID should return an error")
	}

	if err := r.StopSession(sup1.ID()); err != nil {
		t.Fatalf("StopSession returned error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := r.Get(sup1.ID()); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stopped session was never pruned from the registry")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegistryHealthSummaryNoSessions(t *testing.T) {
	r := NewRegistry(nil)
	summary := r.HealthSummary()
	if summary.Overall != "no_sessions" || summary.Total != 0 {
		t.Fatalf("HealthSummary() = %+v, want no_sessions/0", summary)
	}
}

func TestRegistryHealthSummaryAllHealthy(t *testing.T) {
	r := NewRegistry(nil)
	sup := r.StartSession(Options{Model: "test-model", StreamFn: simpleStreamFn("hi")})
	defer sup.Stop()

	summary := r.HealthSummary()
	if summary.Overall != "healthy" || summary.Total != 1 || summary.Healthy != 1 {
		t.Fatalf("HealthSummary() = %+v, want one healthy session", summary)
	}

	all := r.HealthAll()
	if len(all) != 1 || all[0].SessionID != sup.ID() || all[0].Status != HealthHealthy {
		t.Fatalf("HealthAll() = %+v, want one healthy entry for %q", all, sup.ID())
	}
}
