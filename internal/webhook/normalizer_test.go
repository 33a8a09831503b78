package webhook

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/prescreen-voip/internal/callflow"
	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/ivr"
	"github.com/ashureev/prescreen-voip/internal/registry"
	"github.com/ashureev/prescreen-voip/internal/scheduler"
	"github.com/ashureev/prescreen-voip/internal/store"
)

type fixture struct {
	n       *Normalizer
	reg     *registry.Registry
	machine *callflow.Machine
	repo    store.Repository
	clk     *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "webhook.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clk := clock.NewManual(time.Time{})
	sched := scheduler.NewMemory()
	for i, id := range []string{"a", "b", "c"} {
		sched.AddSlot(domain.Slot{ID: id, VacancyID: "vac", StartAt: clk.Now().Add(time.Duration(i+1) * time.Hour)}, 1)
	}
	reg := registry.New(repo, clk, nil)
	machine := callflow.New(callflow.Config{}, reg, ivr.New(sched, 0, 0, nil), clk)
	t.Cleanup(machine.Stop)

	n, err := NewNormalizer(Config{DefaultProvider: "simulated", InboundVacancyID: "vac"}, reg, machine, repo, NewWindow(time.Hour, 100), clk, nil)
	if err != nil {
		t.Fatalf("NewNormalizer() error = %v", err)
	}
	return &fixture{n: n, reg: reg, machine: machine, repo: repo, clk: clk}
}

func (f *fixture) dispatched(t *testing.T, providerName, providerCallID string) domain.CallSession {
	t.Helper()
	s, err := f.reg.Create(context.Background(), registry.CreateParams{
		Provider:  providerName,
		Candidate: domain.CandidateRef{CandidateID: "cand", VacancyID: "vac", Phone: "+7000"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s, err = f.machine.Acknowledge(context.Background(), s.ID, providerCallID)
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	return s
}

func body(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func webhookBody(t *testing.T, eventID, eventType, providerCallID string, seq int64, digit string) []byte {
	payload := map[string]any{"sequence": seq}
	if digit != "" {
		payload["digit"] = digit
	}
	return body(t, map[string]any{
		"event_id":         eventID,
		"event_type":       eventType,
		"provider_call_id": providerCallID,
		"payload":          payload,
	})
}

func expect(t *testing.T, got Result, outcome domain.EventOutcome, reason string) {
	t.Helper()
	if got.Outcome != outcome || !strings.HasPrefix(got.Reason, reason) {
		t.Fatalf("Ingest() = %+v, want %s/%s", got, outcome, reason)
	}
}

func TestIngestAppliesAndDeduplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dispatched(t, "simulated", "p-1")
	ctx := context.Background()

	raw := webhookBody(t, "ev-1", "call.started", "p-1", 1, "")
	expect(t, f.n.Ingest(ctx, raw), domain.OutcomeApplied, "")
	expect(t, f.n.Ingest(ctx, raw), domain.OutcomeDuplicate, "")

	events, err := f.repo.ListEvents(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Outcome != domain.OutcomeApplied || events[0].PayloadDigest == "" {
		t.Fatalf("events = %+v", events)
	}
	got, _ := f.reg.Get(ctx, s.ID)
	if got.State != domain.StateAnswered || len(got.AppliedSeqs) != 1 {
		t.Fatalf("session = %s seqs=%v", got.State, got.AppliedSeqs)
	}
}

func TestFinishedRedeliveryIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dispatched(t, "simulated", "p-2")
	ctx := context.Background()

	expect(t, f.n.Ingest(ctx, webhookBody(t, "ev-1", "call.started", "p-2", 1, "")), domain.OutcomeApplied, "")
	finished := webhookBody(t, "ev-2", "finished", "p-2", 2, "")
	expect(t, f.n.Ingest(ctx, finished), domain.OutcomeApplied, "")

	before, _ := f.reg.Get(ctx, s.ID)
	for i := 0; i < 3; i++ {
		expect(t, f.n.Ingest(ctx, finished), domain.OutcomeDuplicate, "")
	}
	after, _ := f.reg.Get(ctx, s.ID)
	if after.State != domain.StateCompleted || !after.UpdatedAt.Equal(before.UpdatedAt) || len(after.AppliedSeqs) != len(before.AppliedSeqs) {
		t.Fatalf("redelivery changed session: before=%+v after=%+v", before, after)
	}
}

func TestDuplicateDetectedAfterRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dispatched(t, "simulated", "p-3")
	ctx := context.Background()

	raw := webhookBody(t, "ev-1", "call.started", "p-3", 1, "")
	expect(t, f.n.Ingest(ctx, raw), domain.OutcomeApplied, "")

	fresh, err := NewNormalizer(Config{DefaultProvider: "simulated"}, f.reg, f.machine, f.repo, NewWindow(time.Hour, 100), f.clk, nil)
	if err != nil {
		t.Fatalf("NewNormalizer() error = %v", err)
	}
	expect(t, fresh.Ingest(ctx, raw), domain.OutcomeDuplicate, "")
}

func TestIngestRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dispatched(t, "simulated", "p-4")

	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"not json", `{"event_type":`, ReasonMalformed},
		{"empty object", `{}`, ReasonSchema},
		{"no call reference", `{"event_type":"dtmf","event_id":"e1","payload":{"sequence":1}}`, ReasonSchema},
		{"bad digit", `{"event_type":"dtmf","event_id":"e2","provider_call_id":"p-4","payload":{"digit":"A","sequence":1}}`, ReasonSchema},
		{"negative sequence", `{"event_type":"dtmf","event_id":"e3","provider_call_id":"p-4","payload":{"sequence":-1}}`, ReasonSchema},
		{"unknown kind", `{"event_type":"ringing","event_id":"e4","provider_call_id":"p-4","payload":{"sequence":1}}`, ReasonUnknownKind},
		{"missing sequence", `{"event_type":"call.started","event_id":"e5","provider_call_id":"p-4"}`, ReasonMissingSeq},
		{"unknown call", `{"event_type":"call.started","event_id":"e6","provider_call_id":"nope","payload":{"sequence":1}}`, ReasonUnknownCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expect(t, f.n.Ingest(context.Background(), []byte(tt.raw)), domain.OutcomeRejected, tt.reason)
		})
	}
}

func TestUnknownCallReleasesEventID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	raw := webhookBody(t, "early", "call.started", "p-5", 1, "")
	expect(t, f.n.Ingest(ctx, raw), domain.OutcomeRejected, ReasonUnknownCall)

	f.dispatched(t, "simulated", "p-5")
	expect(t, f.n.Ingest(ctx, raw), domain.OutcomeApplied, "")
}

func TestOutOfOrderEventDiscarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dispatched(t, "simulated", "p-6")
	ctx := context.Background()

	expect(t, f.n.Ingest(ctx, webhookBody(t, "e1", "call.started", "p-6", 1, "")), domain.OutcomeApplied, "")
	expect(t, f.n.Ingest(ctx, webhookBody(t, "e2", "dtmf", "p-6", 2, "1")), domain.OutcomeApplied, "")
	expect(t, f.n.Ingest(ctx, webhookBody(t, "e5", "dtmf", "p-6", 5, "2")), domain.OutcomeApplied, "")
	expect(t, f.n.Ingest(ctx, webhookBody(t, "e3", "dtmf", "p-6", 3, "3")), domain.OutcomeRejected, ReasonOutOfOrder)

	got, _ := f.reg.Get(ctx, s.ID)
	if got.SelectedSlot == nil || *got.SelectedSlot != 2 || got.LastSeq != 5 {
		t.Fatalf("selected=%v last=%d", got.SelectedSlot, got.LastSeq)
	}

	events, _ := f.repo.ListEvents(ctx, s.ID)
	last := events[len(events)-1]
	if last.EventID != "e3" || last.Outcome != domain.OutcomeOutOfOrder {
		t.Fatalf("last event = %+v", last)
	}
}

func TestTimestampAndSequenceOrderedApart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dispatched(t, "simulated", "p-mix")
	ctx := context.Background()

	started := body(t, map[string]any{
		"event_id":         "m1",
		"event_type":       "call.started",
		"provider_call_id": "p-mix",
		"timestamp":        "2026-10-15T09:00:00Z",
	})
	expect(t, f.n.Ingest(ctx, started), domain.OutcomeApplied, "")
	expect(t, f.n.Ingest(ctx, webhookBody(t, "m2", "dtmf", "p-mix", 2, "1")), domain.OutcomeApplied, "")

	got, _ := f.reg.Get(ctx, s.ID)
	if got.State != domain.StateIVRActive || got.LastSeq != 2 {
		t.Fatalf("state=%s last=%d stamp=%d", got.State, got.LastSeq, got.LastStampSeq)
	}

	stale := body(t, map[string]any{
		"event_id":         "m3",
		"event_type":       "dtmf",
		"provider_call_id": "p-mix",
		"timestamp":        "2026-10-15T08:59:59Z",
		"payload":          map[string]any{"digit": "2"},
	})
	expect(t, f.n.Ingest(ctx, stale), domain.OutcomeRejected, ReasonOutOfOrder)
}

func TestInboundCallCreatesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	raw := body(t, map[string]any{
		"event_id":         "in-1",
		"event_type":       "call.started",
		"provider_call_id": "inbound-1",
		"direction":        "inbound",
		"timestamp":        "2025-01-01T09:00:00Z",
	})
	res := f.n.Ingest(ctx, raw)
	expect(t, res, domain.OutcomeApplied, "")

	s, err := f.reg.GetByProviderID(ctx, "simulated", "inbound-1")
	if err != nil {
		t.Fatalf("GetByProviderID() error = %v", err)
	}
	if s.ID != res.CallID || s.Direction != domain.Inbound || s.State != domain.StateAnswered {
		t.Fatalf("inbound session = %+v", s)
	}
}

func TestProviderEventNames(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s := f.dispatched(t, "voximplant", "vox-1")

	raw := body(t, map[string]any{
		"provider":         "Voximplant",
		"event_id":         "v1",
		"event_type":       "CallConnected",
		"provider_call_id": "vox-1",
		"payload":          map[string]any{"sequence": 1},
	})
	expect(t, f.n.Ingest(ctx, raw), domain.OutcomeApplied, "")

	tone := body(t, map[string]any{
		"provider":         "voximplant",
		"event_id":         "v2",
		"event_type":       "ToneReceived",
		"provider_call_id": "vox-1",
		"payload":          map[string]any{"sequence": 2, "digit": "1"},
	})
	expect(t, f.n.Ingest(ctx, tone), domain.OutcomeApplied, "")

	got, _ := f.reg.Get(ctx, s.ID)
	if got.State != domain.StateIVRActive {
		t.Fatalf("state = %s, want IVR_ACTIVE", got.State)
	}

	// Zadarma names mean nothing for a voximplant event.
	wrong := body(t, map[string]any{
		"provider":         "voximplant",
		"event_id":         "v3",
		"event_type":       "NOTIFY_END",
		"provider_call_id": "vox-1",
		"payload":          map[string]any{"sequence": 3},
	})
	expect(t, f.n.Ingest(ctx, wrong), domain.OutcomeRejected, ReasonUnknownKind)
}

func TestResolveByInternalCallID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s := f.dispatched(t, "zadarma", "")

	raw := body(t, map[string]any{
		"provider":         "zadarma",
		"event_id":         "z1",
		"event_type":       "NOTIFY_OUT_START",
		"call_id":          s.ID,
		"provider_call_id": "z-call",
		"timestamp":        1735722000.5,
	})
	expect(t, f.n.Ingest(ctx, raw), domain.OutcomeApplied, "")

	bound, err := f.reg.GetByProviderID(ctx, "zadarma", "z-call")
	if err != nil || bound.ID != s.ID {
		t.Fatalf("GetByProviderID() = %+v, %v", bound, err)
	}
	if bound.LastStampSeq != 1735722000500 || bound.LastSeq != 0 {
		t.Fatalf("LastStampSeq = %d LastSeq = %d, want timestamp millis kept apart", bound.LastStampSeq, bound.LastSeq)
	}

	// A call id from another provider is not ours to touch.
	other := body(t, map[string]any{
		"provider":   "voximplant",
		"event_id":   "z2",
		"event_type": "error",
		"call_id":    s.ID,
		"payload":    map[string]any{"sequence": 1735722000600},
	})
	expect(t, f.n.Ingest(ctx, other), domain.OutcomeRejected, ReasonUnknownCall)
}

func TestDigestIsCanonical(t *testing.T) {
	t.Parallel()
	a, err := digest([]byte(`{"b":1,"a":{"y":2,"x":"1"}}`))
	if err != nil {
		t.Fatalf("digest() error = %v", err)
	}
	b, err := digest([]byte(`{ "a": {"x":"1", "y":2.0}, "b": 1 }`))
	if err != nil {
		t.Fatalf("digest() error = %v", err)
	}
	if a != b {
		t.Fatalf("digest differs for equivalent JSON: %s vs %s", a, b)
	}
}
