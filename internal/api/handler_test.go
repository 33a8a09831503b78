//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/prescreen-voip/internal/callflow"
	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/dispatch"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/identity"
	"github.com/ashureev/prescreen-voip/internal/ivr"
	"github.com/ashureev/prescreen-voip/internal/provider"
	"github.com/ashureev/prescreen-voip/internal/registry"
	"github.com/ashureev/prescreen-voip/internal/scheduler"
	"github.com/ashureev/prescreen-voip/internal/store"
	"github.com/ashureev/prescreen-voip/internal/token"
	"github.com/ashureev/prescreen-voip/internal/webhook"
)

const adminToken = "admin-secret"

type testServer struct {
	srv   *httptest.Server
	repo  store.Repository
	reg   *registry.Registry
	sim   *provider.SimulatedAdapter
	clk   *clock.Manual
	queue *webhook.Queue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clk := clock.NewManual(time.Time{})
	sched := scheduler.NewMemory()
	for i, id := range []string{"s1", "s2", "s3"} {
		sched.AddSlot(domain.Slot{ID: id, VacancyID: "vac", StartAt: clk.Now().Add(time.Duration(i+24) * time.Hour)}, 1)
	}

	reg := registry.New(repo, clk, nil)
	machine := callflow.New(callflow.Config{}, reg, ivr.New(sched, 0, 0, nil), clk, callflow.WithContacts(repo))
	t.Cleanup(machine.Stop)

	sim := provider.NewSimulated()
	d := dispatch.New(provider.NewRegistry(provider.Simulated, sim), reg, machine, nil)

	n, err := webhook.NewNormalizer(webhook.Config{DefaultProvider: provider.Simulated}, reg, machine, repo, webhook.NewWindow(time.Hour, 100), clk, nil)
	if err != nil {
		t.Fatalf("NewNormalizer() error = %v", err)
	}
	queue := webhook.NewQueue(2, 16, n.Ingest, nil)
	t.Cleanup(func() { queue.Close(time.Second) })

	h := NewHandler(Deps{
		Repo:       repo,
		Registry:   reg,
		Machine:    machine,
		Dispatcher: d,
		Queue:      queue,
		Guard:      token.NewGuard(repo, "test-secret-0123456789", nil),
		Clock:      clk,
		InviteTTL:  time.Hour,
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware(adminToken))
	NewHealthHandler(repo, time.Second, map[string]Gauge{"sessions": reg.Len, "webhook_queue": queue.Len}).RegisterHealth(r)
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, repo: repo, reg: reg, sim: sim, clk: clk, queue: queue}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func (ts *testServer) waitState(t *testing.T, callID string, want domain.CallState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := ts.reg.Get(context.Background(), callID)
		if err == nil && s.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, _ := ts.reg.Get(context.Background(), callID)
	t.Fatalf("call %s state = %s, want %s", callID, s.State, want)
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestCreateCall(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	code, raw := ts.do(t, http.MethodPost, "/voip/call", map[string]any{
		"candidate_id": "c-1",
		"vacancy_id":   "vac",
		"phone_to":     "+79990000000",
	})
	if code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", code, raw)
	}
	resp := decode[callResponse](t, raw)
	if resp.CallID == "" || resp.State != domain.StateRinging {
		t.Fatalf("response = %+v", resp)
	}

	code, raw = ts.do(t, http.MethodGet, "/voip/call/"+resp.CallID, nil)
	if code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	got := decode[struct {
		Session domain.CallSession `json:"session"`
		Events  []domain.CallEvent `json:"events"`
	}](t, raw)
	if got.Session.Candidate.Phone != "+79990000000" || got.Events == nil {
		t.Fatalf("call = %s", raw)
	}
}

func TestCreateCallErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	if code, _ := ts.do(t, http.MethodPost, "/voip/call", map[string]any{"candidate_id": "c-1"}); code != http.StatusBadRequest {
		t.Fatalf("missing phone status = %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/voip/call", map[string]any{"phone": "+7", "provider": "zadarma"}); code != http.StatusBadRequest {
		t.Fatalf("unknown provider status = %d", code)
	}

	ts.sim.FailWith(errors.New("trunk down"))
	code, raw := ts.do(t, http.MethodPost, "/voip/call", map[string]any{"candidate_id": "c-2", "phone": "+7"})
	if code != http.StatusBadGateway {
		t.Fatalf("provider failure status = %d", code)
	}
	body := decode[map[string]any](t, raw)
	if body["state"] != string(domain.StateCompleted) || body["outcome"] != "failed:"+dispatch.FailureReason {
		t.Fatalf("provider failure body = %s", raw)
	}
}

func TestGetCallNotFound(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	if code, _ := ts.do(t, http.MethodGet, "/voip/call/nope", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d", code)
	}
}

func TestListCallsLimit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodPost, "/voip/call", map[string]any{"phone": "+7000"})
		ts.clk.Advance(time.Second)
	}

	code, raw := ts.do(t, http.MethodGet, "/voip/calls?limit=2", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	got := decode[struct {
		Calls []domain.CallSession `json:"calls"`
	}](t, raw)
	if len(got.Calls) != 2 || !got.Calls[0].CreatedAt.After(got.Calls[1].CreatedAt) {
		t.Fatalf("calls = %s", raw)
	}

	for _, limit := range []string{"0", "101", "x"} {
		if code, _ := ts.do(t, http.MethodGet, "/voip/calls?limit="+limit, nil); code != http.StatusBadRequest {
			t.Fatalf("limit=%s status = %d", limit, code)
		}
	}
}

func TestWebhookAndIVR(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, raw := ts.do(t, http.MethodPost, "/voip/call", map[string]any{"candidate_id": "c-1", "vacancy_id": "vac", "phone": "+7000"})
	call := decode[callResponse](t, raw)

	if code, _ := ts.do(t, http.MethodGet, "/voip/ivr/next?call_id="+call.CallID, nil); code != http.StatusConflict {
		t.Fatalf("ivr/next while ringing status = %d", code)
	}

	code, raw := ts.do(t, http.MethodPost, "/voip/webhook", map[string]any{
		"event_id":         "e-1",
		"event_type":       "call.answered",
		"provider_call_id": call.Session.ProviderCallID,
		"payload":          map[string]any{"sequence": 1},
	})
	if code != http.StatusAccepted || !strings.Contains(string(raw), "accepted") {
		t.Fatalf("webhook status = %d body=%s", code, raw)
	}
	ts.waitState(t, call.CallID, domain.StateAnswered)

	code, raw = ts.do(t, http.MethodGet, "/voip/ivr/next?call_id="+call.CallID, nil)
	if code != http.StatusOK {
		t.Fatalf("ivr/next status = %d body=%s", code, raw)
	}
	got := decode[struct {
		Prompt ivr.Prompt `json:"prompt"`
	}](t, raw)
	if got.Prompt.ID != ivr.PromptMenu || len(got.Prompt.Options) != 3 {
		t.Fatalf("prompt = %+v", got.Prompt)
	}
	ts.waitState(t, call.CallID, domain.StateIVRActive)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/voip/ivr/next?format=twiml&call_id="+call.CallID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("twiml request: %v", err)
	}
	doc, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "application/xml" || !strings.Contains(string(doc), "<Gather") {
		t.Fatalf("twiml = %s", doc)
	}
}

func (ts *testServer) waitApplied(t *testing.T, callID string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := ts.reg.Get(context.Background(), callID)
		if err == nil && len(s.AppliedSeqs) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("call %s: %d events not applied in time", callID, n)
}

func (ts *testServer) nextPrompt(t *testing.T, callID string) ivr.Prompt {
	t.Helper()
	code, raw := ts.do(t, http.MethodGet, "/voip/ivr/next?call_id="+callID, nil)
	if code != http.StatusOK {
		t.Fatalf("ivr/next status = %d body=%s", code, raw)
	}
	return decode[struct {
		Prompt ivr.Prompt `json:"prompt"`
	}](t, raw).Prompt
}

func TestIVRPromptsFollowDigits(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, raw := ts.do(t, http.MethodPost, "/voip/call", map[string]any{"candidate_id": "c-1", "vacancy_id": "vac", "phone": "+7000"})
	call := decode[callResponse](t, raw)
	send := func(seq int, typ, digit string) {
		t.Helper()
		payload := map[string]any{"sequence": seq}
		if digit != "" {
			payload["digit"] = digit
		}
		code, _ := ts.do(t, http.MethodPost, "/voip/webhook", map[string]any{
			"event_id":         fmt.Sprintf("walk-%d", seq),
			"event_type":       typ,
			"provider_call_id": call.Session.ProviderCallID,
			"payload":          payload,
		})
		if code != http.StatusAccepted {
			t.Fatalf("webhook %s status = %d", typ, code)
		}
		ts.waitApplied(t, call.CallID, seq)
	}

	send(1, "call.answered", "")
	if p := ts.nextPrompt(t, call.CallID); p.ID != ivr.PromptMenu {
		t.Fatalf("first prompt = %+v", p)
	}

	steps := []struct {
		digit  string
		prompt ivr.PromptID
		expect string
	}{
		{"1", ivr.PromptMenu, "dtmf"},
		{"9", ivr.PromptInvalid, "dtmf"},
		{"3", ivr.PromptMenu, "dtmf"},
		{"#", ivr.PromptConfirmed, "none"},
	}
	for i, step := range steps {
		send(i+2, "dtmf", step.digit)
		p := ts.nextPrompt(t, call.CallID)
		if p.ID != step.prompt || p.Expect != step.expect {
			t.Fatalf("after %q prompt = %+v, want %s", step.digit, p, step.prompt)
		}
		if step.prompt == ivr.PromptInvalid && !strings.HasPrefix(p.Text, "Неверный выбор.") {
			t.Fatalf("invalid prompt text = %q", p.Text)
		}
	}
	ts.waitState(t, call.CallID, domain.StateBooked)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/voip/ivr/next?format=twiml&call_id="+call.CallID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("twiml request: %v", err)
	}
	doc, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(doc), "<Gather") || !strings.Contains(string(doc), "<Hangup") {
		t.Fatalf("confirmation twiml = %s", doc)
	}
}

func TestWebhookMalformedStillAccepted(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/voip/webhook", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIVRNextValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	if code, _ := ts.do(t, http.MethodGet, "/voip/ivr/next", nil); code != http.StatusBadRequest {
		t.Fatalf("missing call_id status = %d", code)
	}
	if code, _ := ts.do(t, http.MethodGet, "/voip/ivr/next?call_id=x&format=vxml", nil); code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", code)
	}
	if code, _ := ts.do(t, http.MethodGet, "/voip/ivr/next?call_id=x", nil); code != http.StatusNotFound {
		t.Fatalf("unknown call status = %d", code)
	}
}

func TestPrescreenFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	invite := map[string]any{"candidate_id": "c-9", "vacancy_id": "vac", "phone": "+79991112233"}

	if code, _ := ts.do(t, http.MethodPost, "/voip/invitations", invite); code != http.StatusUnauthorized {
		t.Fatalf("anonymous invitation status = %d", code)
	}

	code, raw := ts.do(t, http.MethodPost, "/voip/invitations", invite, "Authorization", "Bearer "+adminToken)
	if code != http.StatusCreated {
		t.Fatalf("invitation status = %d body=%s", code, raw)
	}
	tok := decode[map[string]any](t, raw)["token"].(string)

	code, raw = ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": tok})
	if code != http.StatusCreated {
		t.Fatalf("prescreen status = %d body=%s", code, raw)
	}
	call := decode[callResponse](t, raw)
	if call.Session.Candidate.Phone != "+79991112233" || len(call.Session.Questions) != len(ivr.DefaultQuestions) {
		t.Fatalf("session = %+v", call.Session)
	}

	if code, _ := ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": tok}); code != http.StatusConflict {
		t.Fatalf("replay status = %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": "garbage"}); code != http.StatusUnauthorized {
		t.Fatalf("garbage status = %d", code)
	}

	code, raw = ts.do(t, http.MethodGet, "/voip/candidates/c-9/contacts", nil)
	if code != http.StatusOK {
		t.Fatalf("contacts status = %d", code)
	}
	contacts := decode[struct {
		Contacts []domain.ContactEvent `json:"contacts"`
	}](t, raw).Contacts
	seen := map[string]bool{}
	for _, c := range contacts {
		seen[c.Type] = true
	}
	if !seen[domain.ContactInvitationUsed] {
		t.Fatalf("contacts = %s", raw)
	}
}

func TestPrescreenRetryAfterRejectedRequest(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, raw := ts.do(t, http.MethodPost, "/voip/invitations",
		map[string]any{"candidate_id": "c-5", "vacancy_id": "vac"},
		"Authorization", "Bearer "+adminToken)
	tok := decode[map[string]any](t, raw)["token"].(string)

	code, raw := ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": tok})
	if code != http.StatusBadRequest || !strings.Contains(string(raw), "phone number is required") {
		t.Fatalf("start without phone = %d %s", code, raw)
	}
	code, raw = ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": tok, "phone": "+7001", "provider": "zadarma"})
	if code != http.StatusBadRequest {
		t.Fatalf("start with unconfigured provider = %d %s", code, raw)
	}
	if len(ts.sim.Calls()) != 0 {
		t.Fatal("provider called for a rejected request")
	}

	code, raw = ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": tok, "phone": "+7001"})
	if code != http.StatusCreated {
		t.Fatalf("corrected retry = %d %s", code, raw)
	}
	if call := decode[callResponse](t, raw); call.Session.Candidate.Phone != "+7001" {
		t.Fatalf("session phone = %q", call.Session.Candidate.Phone)
	}
	if code, _ := ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": tok, "phone": "+7001"}); code != http.StatusConflict {
		t.Fatalf("replay after success = %d", code)
	}
}

func TestPrescreenExpired(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, raw := ts.do(t, http.MethodPost, "/voip/invitations",
		map[string]any{"candidate_id": "c-1", "vacancy_id": "vac", "phone": "+7", "ttl_seconds": 60},
		"Authorization", "Bearer "+adminToken)
	tok := decode[map[string]any](t, raw)["token"].(string)

	ts.clk.Advance(2 * time.Minute)
	if code, _ := ts.do(t, http.MethodPost, "/voip/prescreen/start", map[string]any{"token": tok}); code != http.StatusGone {
		t.Fatalf("expired status = %d", code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	code, raw := ts.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	got := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
		Stats  map[string]int    `json:"stats"`
	}](t, raw)
	if got.Status != "healthy" || got.Checks["database"] != "ok" {
		t.Fatalf("health = %s", raw)
	}
	if _, ok := got.Stats["webhook_queue"]; !ok {
		t.Fatalf("stats missing: %s", raw)
	}
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("disk gone") }

func TestHealthDegraded(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(downDB{}, 0, nil).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "unreachable") {
		t.Fatalf("degraded = %d %s", w.Code, w.Body.String())
	}
}
