package voicesession

import (
	"context"
	"testing"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/store"
)

func TestAnalyticsCountersAndSuccessRate(t *testing.T) {
	a := NewAnalytics(nil, "s1")
	a.AddMessage()
	a.AddMessage()
	a.AddMessage()
	a.AddMessage()
	a.AddTranscription(3 * time.Second)
	a.AddSynthesis(2 * time.Second)
	a.AddInterruption()
	a.AddError()

	snap := a.Snapshot()
	if snap.MessageCount != 4 {
		t.Fatalf("MessageCount = %d, want 4", snap.MessageCount)
	}
	if snap.UserSpeech != 3*time.Second {
		t.Fatalf("UserSpeech = %v", snap.UserSpeech)
	}
	if snap.AgentSpeech != 2*time.Second {
		t.Fatalf("AgentSpeech = %v", snap.AgentSpeech)
	}
	if snap.InterruptionCount != 1 || snap.ErrorCount != 1 {
		t.Fatalf("counts = %+v", snap)
	}
	if snap.SuccessRate != 0.75 {
		t.Fatalf("SuccessRate = %v, want 0.75", snap.SuccessRate)
	}
}

func TestAnalyticsRunningMeanLatency(t *testing.T) {
	a := NewAnalytics(nil, "s1")
	a.ObserveLatency(100 * time.Millisecond)
	a.ObserveLatency(200 * time.Millisecond)
	a.ObserveLatency(300 * time.Millisecond)

	if got := a.Snapshot().AvgLatencyMs; got != 200 {
		t.Fatalf("AvgLatencyMs = %v, want 200", got)
	}
}

func TestEndSessionFlushesAndResets(t *testing.T) {
	st := store.NewInMemory()
	ctx := context.Background()
	if err := st.CreateSession(ctx, store.SessionRecord{ID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	a := NewAnalytics(st, "s1")
	a.AddMessage()
	a.AddMessage()
	a.AddError()
	a.ObserveLatency(150 * time.Millisecond)

	snap, err := a.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if snap.MessageCount != 2 || snap.ErrorCount != 1 {
		t.Fatalf("flushed snapshot = %+v", snap)
	}
	if snap.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", snap.SuccessRate)
	}

	rec, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.MessageCount != 2 || rec.ErrorCount != 1 {
		t.Fatalf("persisted record = %+v", rec)
	}
	if rec.AvgResponseMs != 150 {
		t.Fatalf("AvgResponseMs = %v, want 150", rec.AvgResponseMs)
	}
	if rec.EndedAt.IsZero() {
		t.Fatal("session not marked ended")
	}

	after := a.Snapshot()
	if after.MessageCount != 0 || after.ErrorCount != 0 || after.AvgLatencyMs != 0 {
		t.Fatalf("accumulators not reset: %+v", after)
	}
}

func TestEndSessionResetsEvenWhenFlushFails(t *testing.T) {
	// No session row exists, so the flush fails with not-found.
	a := NewAnalytics(store.NewInMemory(), "missing")
	a.AddMessage()

	snap, err := a.EndSession(context.Background())
	if err == nil {
		t.Fatal("EndSession should fail when the store rejects the flush")
	}
	if snap.MessageCount != 1 {
		t.Fatalf("snapshot lost data: %+v", snap)
	}
	if after := a.Snapshot(); after.MessageCount != 0 {
		t.Fatalf("accumulators must reset despite flush failure: %+v", after)
	}
}
