package relay

import (
	"errors"
	"testing"
	"time"

	"scmesh/go-core/internal/directory"
	"scmesh/go-core/internal/identity"
	"scmesh/go-core/pkg/models"
)

func testTable(t *testing.T, relayCount int) (*directory.Table, []string) {
	t.Helper()
	table := directory.NewTable(directory.TableOptions{})
	fps := make([]string, 0, relayCount)
	for i := 0; i < relayCount; i++ {
		seed := make([]byte, 32)
		for j := range seed {
			seed[j] = byte(100 + i)
		}
		keys, err := identity.DeriveKeys(seed)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		fp, err := identity.Fingerprint(keys.SigningPublicKey)
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		self := models.Identity{
			Fingerprint:           fp,
			Nickname:              "relay",
			SigningPublicKey:      keys.SigningPublicKey,
			KeyAgreementPublicKey: keys.AgreementPublicKey,
		}
		card, err := identity.SignContactCard(self, keys, nil)
		if err != nil {
			t.Fatalf("sign card: %v", err)
		}
		if _, err := table.ObserveAuthenticated(card, nil); err != nil {
			t.Fatalf("observe: %v", err)
		}
		table.SetRelayEligible(card.Fingerprint, true)
		fps = append(fps, models.NormalizeFingerprint(card.Fingerprint))
	}
	return table, fps
}

func testEnvelope(hops uint8, ttl uint32) models.Envelope {
	return models.Envelope{
		SenderFingerprint:    "aaaa",
		RecipientFingerprint: "bbbb",
		MessageID:            "m-test",
		CreatedAt:            time.Now(),
		HopCount:             hops,
		TTLSeconds:           ttl,
	}
}

func TestBudgetCeilingRespected(t *testing.T) {
	b := NewBudget(2)
	if err := b.Consume(); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := b.Consume(); err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if err := b.Consume(); !errors.Is(err, ErrRelayBudgetExceeded) {
		t.Fatalf("third consume: %v, want ErrRelayBudgetExceeded", err)
	}
	if b.Remaining() != 0 {
		t.Fatalf("remaining = %d", b.Remaining())
	}
}

func TestBudgetRolloverResetsAndAppliesPendingCeiling(t *testing.T) {
	b := NewBudget(1)
	base := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	b.now = func() time.Time { return base }
	if err := b.Consume(); err != nil {
		t.Fatalf("consume: %v", err)
	}
	b.SetCeiling(5)
	if b.Window().Ceiling != 1 {
		t.Fatal("ceiling changed mid-window")
	}

	base = base.Add(time.Hour)
	if !b.Rollover() {
		t.Fatal("rollover did not advance")
	}
	w := b.Window()
	if w.Consumed != 0 || w.Ceiling != 5 {
		t.Fatalf("after rollover: %+v", w)
	}
	if got := w.WindowStart.Minute(); got != 0 {
		t.Fatalf("window not hour-aligned: minute=%d", got)
	}
}

func TestBudgetNextWindow(t *testing.T) {
	b := NewBudget(1)
	fixed := time.Date(2026, 8, 24, 9, 15, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	want := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if got := b.NextWindow(); !got.Equal(want) {
		t.Fatalf("next window = %v, want %v", got, want)
	}
}

func TestCheckOutboundRelayDisabled(t *testing.T) {
	table, _ := testTable(t, 0)
	f := NewForwarder(NewPolicy(false, 0), NewBudget(10), table)
	if err := f.CheckOutbound(); !errors.Is(err, ErrRelayDisabled) {
		t.Fatalf("check outbound: %v, want ErrRelayDisabled", err)
	}
}

func TestDecideDropsWhenPolicyDisabled(t *testing.T) {
	table, _ := testTable(t, 1)
	f := NewForwarder(NewPolicy(false, 0), NewBudget(10), table)
	d := f.Decide(testEnvelope(1, 0), "cccc")
	if d.Action != ActionDrop || !errors.Is(d.Reason, ErrRelayDisabled) {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecideDropsAtHopLimit(t *testing.T) {
	table, _ := testTable(t, 1)
	f := NewForwarder(NewPolicy(true, 3), NewBudget(10), table)
	d := f.Decide(testEnvelope(3, 0), "cccc")
	if d.Action != ActionDrop || !errors.Is(d.Reason, ErrHopLimitExceeded) {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecideDropsExpired(t *testing.T) {
	table, _ := testTable(t, 1)
	f := NewForwarder(NewPolicy(true, 0), NewBudget(10), table)
	env := testEnvelope(1, 1)
	env.CreatedAt = time.Now().Add(-time.Minute)
	d := f.Decide(env, "cccc")
	if d.Action != ActionDrop {
		t.Fatalf("decision = %+v", d)
	}
}

func TestDecideNeverForwardsBackToArrivalPeer(t *testing.T) {
	table, fps := testTable(t, 1)
	f := NewForwarder(NewPolicy(true, 0), NewBudget(10), table)
	d := f.Decide(testEnvelope(1, 0), fps[0])
	if d.Action != ActionDrop || !errors.Is(d.Reason, ErrNoRoute) {
		t.Fatalf("decision = %+v, want drop with no route", d)
	}
}

func TestDecideForwardsWithCandidates(t *testing.T) {
	table, fps := testTable(t, 2)
	f := NewForwarder(NewPolicy(true, 0), NewBudget(10), table)
	d := f.Decide(testEnvelope(1, 0), "cccc")
	if d.Action != ActionForward {
		t.Fatalf("decision = %+v", d)
	}
	for _, hop := range d.NextHops {
		if hop == "cccc" {
			t.Fatal("arrival peer in next hops")
		}
	}
	if len(d.NextHops) != len(fps) {
		t.Fatalf("next hops = %v", d.NextHops)
	}
}

func TestDecideQueuesOnBudgetExhaustion(t *testing.T) {
	table, _ := testTable(t, 1)
	budget := NewBudget(0)
	f := NewForwarder(NewPolicy(true, 0), budget, table)
	d := f.Decide(testEnvelope(1, 0), "cccc")
	if d.Action != ActionQueue || !errors.Is(d.Reason, ErrRelayBudgetExceeded) {
		t.Fatalf("decision = %+v", d)
	}
	if !d.RetryAt.Equal(budget.NextWindow()) {
		t.Fatalf("retry at %v, want next window %v", d.RetryAt, budget.NextWindow())
	}
}

func TestDecideDropsWhenTTLEndsBeforeNextWindow(t *testing.T) {
	table, _ := testTable(t, 1)
	f := NewForwarder(NewPolicy(true, 0), NewBudget(0), table)
	d := f.Decide(testEnvelope(1, 5), "cccc")
	if d.Action != ActionDrop {
		t.Fatalf("decision = %+v, want drop when TTL < next window", d)
	}
}

func TestPrepareForwardBumpsOnlyHopCount(t *testing.T) {
	env := testEnvelope(2, 60)
	out := PrepareForward(env)
	if out.HopCount != 3 {
		t.Fatalf("hop count = %d", out.HopCount)
	}
	env.HopCount = out.HopCount
	if out.MessageID != env.MessageID || !out.CreatedAt.Equal(env.CreatedAt) {
		t.Fatal("forward mutated fields other than hop count")
	}
}

func TestTrackerHappyPath(t *testing.T) {
	var reported []models.DeliveryRecord
	tr := NewTracker(func(rec models.DeliveryRecord) { reported = append(reported, rec) })

	tr.Track("m1")
	steps := []string{models.StateRouteResolve, models.StateDirectSend, models.StateDelivered}
	for _, next := range steps {
		if err := tr.Transition("m1", next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if len(reported) != 1 || reported[0].State != models.StateDelivered {
		t.Fatalf("terminal reports = %+v", reported)
	}
	rec, _ := tr.Get("m1")
	if _, ok := rec.Transitions[models.StateDelivered]; !ok {
		t.Fatal("delivered timestamp missing")
	}
}

func TestTrackerTerminalReportedOnce(t *testing.T) {
	count := 0
	tr := NewTracker(func(models.DeliveryRecord) { count++ })
	tr.Track("m1")
	if err := tr.Transition("m1", models.StateFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := tr.Transition("m1", models.StateDelivered); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("transition after terminal: %v", err)
	}
	if count != 1 {
		t.Fatalf("terminal reported %d times", count)
	}
}

func TestTrackerRejectsInvalidTransition(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track("m1")
	if err := tr.Transition("m1", models.StateDelivered); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("created->delivered: %v, want ErrInvalidTransition", err)
	}
	if err := tr.Transition("unknown", models.StateRouteResolve); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestTrackerQueuedCyclesBackToResolve(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track("m1")
	for _, next := range []string{models.StateRouteResolve, models.StateQueued, models.StateRouteResolve, models.StateRelaySend, models.StateDelivered} {
		if err := tr.Transition("m1", next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
}

func TestTrackerForget(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track("m1")
	if err := tr.Forget("m1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("forget in-flight: %v", err)
	}
	_ = tr.Transition("m1", models.StateExpired)
	if err := tr.Forget("m1"); err != nil {
		t.Fatalf("forget terminal: %v", err)
	}
	if _, ok := tr.Get("m1"); ok {
		t.Fatal("record survived forget")
	}
}
