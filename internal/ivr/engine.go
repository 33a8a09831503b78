// Package ivr runs the DTMF dialog that asks prescreen questions and books an
// interview slot.
//
// The engine keeps no state of its own: everything it needs lives in the
// session's IVRState, and it is only ever called from inside Registry.Apply,
// so it never issues two scheduler calls for one session at the same time.
package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/scheduler"
)

// Defaults for the slot window size and retry budget.
const (
	DefaultWindow     = 5
	DefaultMaxRetries = 3
	maxBuffer         = 32
)

// DefaultQuestions are asked when a prescreen starts without its own list.
var DefaultQuestions = []string{
	"Готовы ли вы к работе в офисе 3 дня в неделю? 1 - да, 2 - нет",
	"Ваш уровень английского: 1 - А2 и ниже, 2 - B1, 3 - B2 и выше",
	"Ожидаемый уровень компенсации: 1 - до 150, 2 - 150–250, 3 - 250+",
}

// Action tells the caller which transition the dialog asks for.
type Action int

const (
	ActionNone Action = iota
	ActionBooked
	ActionAbandon
)

// Result is the outcome of one engine turn.
type Result struct {
	Prompt  Prompt
	Action  Action
	Booking *domain.Booking
	// PrescreenDone is set on the turn the last question was answered.
	PrescreenDone bool
}

// Engine computes prompts and reacts to digits.
type Engine struct {
	sched      scheduler.Scheduler
	window     int
	maxRetries int
	logger     *slog.Logger
}

// New creates an engine. Non-positive window or maxRetries fall back to defaults.
func New(sched scheduler.Scheduler, window, maxRetries int, logger *slog.Logger) *Engine {
	if window <= 0 || window > 9 {
		window = DefaultWindow
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{sched: sched, window: window, maxRetries: maxRetries, logger: logger}
}

// Start initializes the dialog for a session that just entered IVR_ACTIVE.
func (e *Engine) Start(ctx context.Context, s *domain.CallSession) (Result, error) {
	s.IVR.Retries = 0
	s.SelectedSlot = nil
	if len(s.Answers) < len(s.Questions) {
		s.IVR.Phase = domain.PhaseQuestions
		return Result{Prompt: remember(s, questionPrompt(s.Questions[len(s.Answers)]))}, nil
	}
	return e.enterSlots(ctx, s, "")
}

// NextPrompt replays the last prompt the dialog produced, lead text and
// variant included, without side effects.
func (e *Engine) NextPrompt(s domain.CallSession) Prompt {
	if s.IVR.PromptID == "" || s.IVR.PromptText == "" {
		return derivedPrompt(s)
	}
	p := Prompt{ID: PromptID(s.IVR.PromptID), Text: s.IVR.PromptText, Expect: "dtmf"}
	switch {
	case p.ID.final():
		p.Expect = "none"
	case p.ID != PromptQuestion && len(s.IVR.Window) > 0:
		p.Options = options(s.IVR.Window)
	}
	return p
}

// ClosingPrompt is what a caller hears once the dialog is over: the final
// prompt when the dialog produced one, otherwise a goodbye.
func (e *Engine) ClosingPrompt(s domain.CallSession) Prompt {
	if p := e.NextPrompt(s); p.Expect == "none" {
		return p
	}
	return goodbyePrompt()
}

// derivedPrompt rebuilds a prompt from state for a session that has none
// recorded yet.
func derivedPrompt(s domain.CallSession) Prompt {
	switch {
	case s.IVR.Phase == domain.PhaseQuestions && len(s.Answers) < len(s.Questions):
		return questionPrompt(s.Questions[len(s.Answers)])
	case len(s.IVR.Window) == 0:
		return finalPrompt(PromptNoSlots, noSlotsText)
	default:
		return menuPrompt(PromptMenu, s.IVR.Window, s.SelectedSlot, "")
	}
}

// remember records p as the session's current prompt.
func remember(s *domain.CallSession, p Prompt) Prompt {
	s.IVR.PromptID = string(p.ID)
	s.IVR.PromptText = p.Text
	return p
}

const noSlotsText = "К сожалению, свободных слотов нет. Попробуйте позже."

func unavailablePrompt() Prompt {
	return Prompt{ID: PromptRetry, Text: "Расписание временно недоступно. Нажмите ноль, чтобы попробовать ещё раз.", Expect: "dtmf"}
}

func goodbyePrompt() Prompt {
	return finalPrompt(PromptGoodbye, "Запись не выполнена. До свидания.")
}

// OnDigit processes one DTMF key for a session in IVR_ACTIVE.
func (e *Engine) OnDigit(ctx context.Context, s *domain.CallSession, digit rune) (Result, error) {
	s.DTMFBuffer += string(digit)
	if len(s.DTMFBuffer) > maxBuffer {
		s.DTMFBuffer = s.DTMFBuffer[len(s.DTMFBuffer)-maxBuffer:]
	}

	if s.IVR.Phase == domain.PhaseQuestions {
		return e.onQuestionDigit(ctx, s, digit)
	}
	return e.onSlotDigit(ctx, s, digit)
}

func (e *Engine) onQuestionDigit(ctx context.Context, s *domain.CallSession, digit rune) (Result, error) {
	switch {
	case digit == '*':
		return e.cancel(s), nil
	case digit == '0':
		return Result{Prompt: remember(s, questionPrompt(s.Questions[len(s.Answers)]))}, nil
	case digit >= '1' && digit <= '9':
		s.Answers = append(s.Answers, string(digit))
		s.IVR.Retries = 0
		if len(s.Answers) < len(s.Questions) {
			return Result{Prompt: remember(s, questionPrompt(s.Questions[len(s.Answers)]))}, nil
		}
		res, err := e.enterSlots(ctx, s, "Спасибо за ответы.")
		res.PrescreenDone = true
		return res, err
	default:
		return e.invalid(s, questionPrompt(s.Questions[len(s.Answers)]))
	}
}

func (e *Engine) onSlotDigit(ctx context.Context, s *domain.CallSession, digit rune) (Result, error) {
	switch {
	case digit == '*':
		return e.cancel(s), nil
	case digit == '0' && len(s.IVR.Window) == 0:
		return e.enterSlots(ctx, s, "")
	case digit == '0':
		return Result{Prompt: remember(s, menuPrompt(PromptMenu, s.IVR.Window, s.SelectedSlot, ""))}, nil
	case len(s.IVR.Window) == 0:
		return e.invalid(s, unavailablePrompt())
	case digit == '#':
		if s.SelectedSlot == nil {
			return e.invalid(s, menuPrompt(PromptInvalid, s.IVR.Window, nil, "Сначала выберите слот."))
		}
		return e.confirm(ctx, s)
	case digit >= '1' && digit <= '9':
		idx := int(digit - '0')
		if idx > len(s.IVR.Window) {
			return e.invalid(s, menuPrompt(PromptInvalid, s.IVR.Window, s.SelectedSlot, "Неверный выбор."))
		}
		s.SelectedSlot = &idx
		s.IVR.Retries = 0
		return Result{Prompt: remember(s, menuPrompt(PromptMenu, s.IVR.Window, s.SelectedSlot, ""))}, nil
	default:
		return e.invalid(s, menuPrompt(PromptInvalid, s.IVR.Window, s.SelectedSlot, "Неверный выбор."))
	}
}

func (e *Engine) confirm(ctx context.Context, s *domain.CallSession) (Result, error) {
	slot := s.IVR.Window[*s.SelectedSlot-1]
	booking, err := e.sched.Book(ctx, slot.ID, s.Candidate.CandidateID)
	switch {
	case err == nil:
		s.SlotID = slot.ID
		s.BookingID = booking.ID
		p := remember(s, finalPrompt(PromptConfirmed, fmt.Sprintf("Вы записаны на интервью %s. Код записи %s. До свидания.", slot.Label(), booking.Code)))
		e.logger.Info("slot booked", "call_id", s.ID, "slot_id", slot.ID, "booking_id", booking.ID)
		return Result{Prompt: p, Action: ActionBooked, Booking: &booking}, nil

	case errors.Is(err, domain.ErrBookingConflict):
		e.logger.Info("booking conflict, refreshing slot window", "call_id", s.ID, "slot_id", slot.ID)
		s.SelectedSlot = nil
		res, err := e.enterSlots(ctx, s, "Этот слот уже занят.")
		if err == nil && res.Prompt.ID == PromptMenu {
			res.Prompt.ID = PromptConflict
			remember(s, res.Prompt)
		}
		return res, err

	default:
		e.logger.Warn("scheduler book failed", "call_id", s.ID, "slot_id", slot.ID, "error", err)
		return e.invalid(s, menuPrompt(PromptRetry, s.IVR.Window, s.SelectedSlot, "Не удалось записаться, попробуйте ещё раз."))
	}
}

// enterSlots fetches a fresh window and returns the menu prompt.
func (e *Engine) enterSlots(ctx context.Context, s *domain.CallSession, lead string) (Result, error) {
	s.IVR.Phase = domain.PhaseSlots
	slots, err := e.sched.Slots(ctx, s.Candidate.VacancyID)
	if err != nil {
		e.logger.Warn("scheduler slots failed", "call_id", s.ID, "vacancy_id", s.Candidate.VacancyID, "error", err)
		s.IVR.Window = nil
		return e.invalid(s, unavailablePrompt())
	}
	if len(slots) > e.window {
		slots = slots[:e.window]
	}
	s.IVR.Window = slots

	if len(slots) == 0 {
		return Result{Prompt: remember(s, finalPrompt(PromptNoSlots, noSlotsText)), Action: ActionAbandon}, nil
	}
	return Result{Prompt: remember(s, menuPrompt(PromptMenu, slots, nil, lead))}, nil
}

func (e *Engine) invalid(s *domain.CallSession, p Prompt) (Result, error) {
	s.IVR.Retries++
	if s.IVR.Retries > e.maxRetries {
		e.logger.Info("ivr retries exhausted", "call_id", s.ID, "retries", s.IVR.Retries)
		return e.cancel(s), nil
	}
	return Result{Prompt: remember(s, p)}, nil
}

func (e *Engine) cancel(s *domain.CallSession) Result {
	return Result{Prompt: remember(s, goodbyePrompt()), Action: ActionAbandon}
}
