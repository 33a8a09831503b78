package ivr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/scheduler"
)

func newScheduler(t *testing.T, n int) *scheduler.Memory {
	t.Helper()
	m := scheduler.NewMemory()
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		m.AddSlot(domain.Slot{
			ID:        fmt.Sprintf("slot-%d", i),
			VacancyID: "vac-1",
			StartAt:   base.Add(time.Duration(i) * time.Hour),
			EndAt:     base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
		}, 1)
	}
	return m
}

func newSession() *domain.CallSession {
	return &domain.CallSession{
		ID:        "call-1",
		State:     domain.StateIVRActive,
		Candidate: domain.CandidateRef{CandidateID: "cand-1", VacancyID: "vac-1"},
	}
}

func press(t *testing.T, e *Engine, s *domain.CallSession, digit rune) Result {
	t.Helper()
	res, err := e.OnDigit(context.Background(), s, digit)
	if err != nil {
		t.Fatalf("OnDigit(%q) error = %v", digit, err)
	}
	return res
}

func TestSelectInvalidSelectConfirm(t *testing.T) {
	t.Parallel()
	sched := newScheduler(t, 7)
	e := New(sched, 5, 3, nil)
	s := newSession()

	start, err := e.Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if start.Prompt.ID != PromptMenu || len(start.Prompt.Options) != 5 {
		t.Fatalf("Start() prompt = %+v, want menu with 5 options", start.Prompt)
	}
	if start.Prompt.Options[0].SlotID != "slot-1" || start.Prompt.Options[4].SlotID != "slot-5" {
		t.Fatalf("window not ordered by start time: %+v", start.Prompt.Options)
	}

	var got []PromptID
	for _, d := range "93#" {
		got = append(got, press(t, e, s, d).Prompt.ID)
	}
	want := []PromptID{PromptInvalid, PromptMenu, PromptConfirmed}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prompts = %v, want %v", got, want)
		}
	}

	if calls := sched.BookCalls(); len(calls) != 1 || calls[0] != "slot-3" {
		t.Fatalf("Book calls = %v, want [slot-3]", calls)
	}
	if s.SlotID != "slot-3" || s.BookingID == "" {
		t.Fatalf("session booking = %q/%q", s.SlotID, s.BookingID)
	}
	if s.DTMFBuffer != "93#" {
		t.Fatalf("DTMF buffer = %q", s.DTMFBuffer)
	}
}

func TestConfirmBookedResult(t *testing.T) {
	t.Parallel()
	e := New(newScheduler(t, 2), 5, 3, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	press(t, e, s, '2')
	res := press(t, e, s, '#')
	if res.Action != ActionBooked || res.Booking == nil || res.Booking.SlotID != "slot-2" {
		t.Fatalf("confirm result = %+v", res)
	}
	if !strings.Contains(res.Prompt.Text, res.Booking.Code) {
		t.Fatalf("confirmation %q does not read the booking code", res.Prompt.Text)
	}
}

func TestRepeatKeepsState(t *testing.T) {
	t.Parallel()
	e := New(newScheduler(t, 3), 5, 3, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	press(t, e, s, '2')
	res := press(t, e, s, '0')
	if res.Prompt.ID != PromptMenu || s.SelectedSlot == nil || *s.SelectedSlot != 2 {
		t.Fatalf("repeat = %+v, selected = %v", res.Prompt, s.SelectedSlot)
	}
	if s.IVR.Retries != 0 {
		t.Fatalf("retries = %d, want 0", s.IVR.Retries)
	}
}

func TestConfirmWithoutSelectionIsInvalid(t *testing.T) {
	t.Parallel()
	sched := newScheduler(t, 3)
	e := New(sched, 5, 3, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res := press(t, e, s, '#')
	if res.Prompt.ID != PromptInvalid || s.IVR.Retries != 1 {
		t.Fatalf("# without selection = %+v, retries %d", res.Prompt, s.IVR.Retries)
	}
	if len(sched.BookCalls()) != 0 {
		t.Fatal("Book called without a selection")
	}
}

func TestRetriesExhaustedAbandons(t *testing.T) {
	t.Parallel()
	e := New(newScheduler(t, 3), 5, 2, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if res := press(t, e, s, '9'); res.Action != ActionNone {
			t.Fatalf("attempt %d action = %v, want none", i+1, res.Action)
		}
	}
	res := press(t, e, s, '9')
	if res.Action != ActionAbandon || res.Prompt.ID != PromptGoodbye {
		t.Fatalf("third invalid = %+v, want abandon", res)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	e := New(newScheduler(t, 3), 5, 3, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res := press(t, e, s, '*'); res.Action != ActionAbandon {
		t.Fatalf("* action = %v, want abandon", res.Action)
	}
}

func TestBookingConflictRefreshesWindow(t *testing.T) {
	t.Parallel()
	sched := newScheduler(t, 3)
	e := New(sched, 5, 3, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	press(t, e, s, '1')
	sched.Fill("slot-1")

	res := press(t, e, s, '#')
	if res.Action != ActionNone || res.Prompt.ID != PromptConflict {
		t.Fatalf("conflict result = %+v", res)
	}
	if s.SelectedSlot != nil {
		t.Fatal("selection kept after conflict")
	}
	if len(res.Prompt.Options) != 2 || res.Prompt.Options[0].SlotID != "slot-2" {
		t.Fatalf("refreshed window = %+v", res.Prompt.Options)
	}

	press(t, e, s, '1')
	if res := press(t, e, s, '#'); res.Action != ActionBooked || res.Booking.SlotID != "slot-2" {
		t.Fatalf("second confirm = %+v", res)
	}
}

func TestNoSlotsAbandons(t *testing.T) {
	t.Parallel()
	e := New(scheduler.NewMemory(), 5, 3, nil)
	s := newSession()
	res, err := e.Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.Prompt.ID != PromptNoSlots || res.Action != ActionAbandon || res.Prompt.Expect != "none" {
		t.Fatalf("Start() = %+v", res)
	}
}

type flakyScheduler struct {
	*scheduler.Memory
	failSlots int
}

func (f *flakyScheduler) Slots(ctx context.Context, vacancyID string) ([]domain.Slot, error) {
	if f.failSlots > 0 {
		f.failSlots--
		return nil, errors.New("scheduler down")
	}
	return f.Memory.Slots(ctx, vacancyID)
}

func TestSchedulerOutageRetries(t *testing.T) {
	t.Parallel()
	sched := &flakyScheduler{Memory: newScheduler(t, 2), failSlots: 1}
	e := New(sched, 5, 3, nil)
	s := newSession()

	res, err := e.Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.Prompt.ID != PromptRetry || e.NextPrompt(*s).ID != PromptRetry {
		t.Fatalf("Start() during outage = %+v", res.Prompt)
	}

	res = press(t, e, s, '0')
	if res.Prompt.ID != PromptMenu || len(s.IVR.Window) != 2 {
		t.Fatalf("retry after outage = %+v", res.Prompt)
	}
}

func TestQuestionnaireBeforeSlots(t *testing.T) {
	t.Parallel()
	e := New(newScheduler(t, 3), 5, 3, nil)
	s := newSession()
	s.Questions = append([]string(nil), DefaultQuestions...)

	res, err := e.Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.Prompt.ID != PromptQuestion || res.Prompt.Text != DefaultQuestions[0] {
		t.Fatalf("Start() = %+v", res.Prompt)
	}

	press(t, e, s, '1')
	if p := e.NextPrompt(*s); p.Text != DefaultQuestions[1] {
		t.Fatalf("NextPrompt() = %q", p.Text)
	}
	if res := press(t, e, s, '#'); res.Prompt.ID != PromptQuestion || s.IVR.Retries != 1 {
		t.Fatalf("# during questions = %+v", res.Prompt)
	}
	press(t, e, s, '2')
	res = press(t, e, s, '3')
	if !res.PrescreenDone || res.Prompt.ID != PromptMenu {
		t.Fatalf("last answer = %+v", res)
	}
	if strings.Join(s.Answers, "") != "123" {
		t.Fatalf("answers = %v", s.Answers)
	}
	if s.IVR.Phase != domain.PhaseSlots {
		t.Fatalf("phase = %s", s.IVR.Phase)
	}
}

func TestPromptTwiML(t *testing.T) {
	t.Parallel()
	menu := Prompt{ID: PromptMenu, Text: "нажмите 1", Expect: "dtmf"}
	xml, err := menu.TwiML()
	if err != nil {
		t.Fatalf("TwiML() error = %v", err)
	}
	for _, want := range []string{"<Response>", "<Gather", `numDigits="1"`, "<Say", "нажмите 1"} {
		if !strings.Contains(xml, want) {
			t.Errorf("TwiML %q missing %q", xml, want)
		}
	}

	bye := Prompt{ID: PromptGoodbye, Text: "До свидания.", Expect: "none"}
	xml, err = bye.TwiML()
	if err != nil {
		t.Fatalf("TwiML() error = %v", err)
	}
	if strings.Contains(xml, "<Gather") || !strings.Contains(xml, "<Hangup") {
		t.Fatalf("final TwiML = %q", xml)
	}
}

func TestNextPromptReplaysVariant(t *testing.T) {
	t.Parallel()
	sched := newScheduler(t, 3)
	e := New(sched, 5, 3, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	invalid := press(t, e, s, '9')
	if got := e.NextPrompt(*s); got.ID != PromptInvalid || got.Text != invalid.Prompt.Text || len(got.Options) != 3 {
		t.Fatalf("NextPrompt() after invalid = %+v, want %+v", got, invalid.Prompt)
	}

	press(t, e, s, '1')
	sched.Fill("slot-1")
	conflict := press(t, e, s, '#')
	if got := e.NextPrompt(*s); got.ID != PromptConflict || got.Text != conflict.Prompt.Text {
		t.Fatalf("NextPrompt() after conflict = %+v", got)
	}
	if !strings.HasPrefix(conflict.Prompt.Text, "Этот слот уже занят.") {
		t.Fatalf("conflict prompt = %q", conflict.Prompt.Text)
	}

	press(t, e, s, '2')
	booked := press(t, e, s, '#')
	got := e.NextPrompt(*s)
	if got.ID != PromptConfirmed || got.Text != booked.Prompt.Text || got.Expect != "none" || len(got.Options) != 0 {
		t.Fatalf("NextPrompt() after booking = %+v", got)
	}
	if closing := e.ClosingPrompt(*s); closing.Text != booked.Prompt.Text {
		t.Fatalf("ClosingPrompt() = %+v", closing)
	}
}

func TestClosingPromptWithoutFinalPrompt(t *testing.T) {
	t.Parallel()
	e := New(newScheduler(t, 3), 5, 3, nil)
	s := newSession()
	if _, err := e.Start(context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// The caller hung up while the menu was playing.
	s.State = domain.StateAbandoned
	if p := e.ClosingPrompt(*s); p.ID != PromptGoodbye || p.Expect != "none" {
		t.Fatalf("ClosingPrompt() = %+v", p)
	}
}
