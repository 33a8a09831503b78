package ivr

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// PromptID names a prompt variant.
type PromptID string

const (
	PromptMenu      PromptID = "slot_menu"
	PromptInvalid   PromptID = "invalid_choice"
	PromptConfirmed PromptID = "confirmed"
	PromptConflict  PromptID = "booking_conflict"
	PromptNoSlots   PromptID = "no_slots"
	PromptGoodbye   PromptID = "goodbye"
	PromptQuestion  PromptID = "question"
	PromptRetry     PromptID = "scheduler_unavailable"
)

// final reports whether the prompt ends the dialog.
func (id PromptID) final() bool {
	return id == PromptConfirmed || id == PromptNoSlots || id == PromptGoodbye
}

// Option is one numbered choice in the slot menu.
type Option struct {
	Digit  string `json:"digit"`
	SlotID string `json:"slot_id"`
	Label  string `json:"label"`
}

// Prompt is what the caller hears next.
type Prompt struct {
	ID      PromptID `json:"prompt_id"`
	Text    string   `json:"text"`
	Options []Option `json:"options,omitempty"`
	// Expect is "dtmf" while input is awaited and "none" once the dialog ended.
	Expect string `json:"expect"`
}

// Format selects how a prompt is rendered for the provider.
type Format string

const (
	FormatText  Format = "text"
	FormatTwiML Format = "twiml"
)

const sayLanguage = "ru-RU"

// TwiML renders the prompt as a Gather-wrapped Say, or a Say followed by
// Hangup when no more input is expected.
func (p Prompt) TwiML() (string, error) {
	say := &twiml.VoiceSay{Message: p.Text, Language: sayLanguage}
	if p.Expect != "dtmf" {
		return twiml.Voice([]twiml.Element{say, &twiml.VoiceHangup{}})
	}
	gather := &twiml.VoiceGather{
		Input:         "dtmf",
		NumDigits:     "1",
		Timeout:       "10",
		InnerElements: []twiml.Element{say},
	}
	return twiml.Voice([]twiml.Element{gather})
}

func options(window []domain.Slot) []Option {
	out := make([]Option, 0, len(window))
	for i, s := range window {
		out = append(out, Option{Digit: fmt.Sprint(i + 1), SlotID: s.ID, Label: s.Label()})
	}
	return out
}

func menuText(opts []Option) string {
	parts := make([]string, 0, len(opts))
	for _, o := range opts {
		parts = append(parts, fmt.Sprintf("нажмите %s: %s", o.Digit, o.Label))
	}
	return "Для записи на интервью " + strings.Join(parts, ", ") + ". Для повтора нажмите ноль."
}

func menuPrompt(id PromptID, window []domain.Slot, selected *int, lead string) Prompt {
	opts := options(window)
	text := menuText(opts)
	if selected != nil && *selected >= 1 && *selected <= len(window) {
		text = fmt.Sprintf("Вы выбрали %s. Нажмите решётку для подтверждения или другую цифру. ", window[*selected-1].Label()) + text
	}
	if lead != "" {
		text = lead + " " + text
	}
	return Prompt{ID: id, Text: text, Options: opts, Expect: "dtmf"}
}

func questionPrompt(q string) Prompt {
	return Prompt{ID: PromptQuestion, Text: q, Expect: "dtmf"}
}

func finalPrompt(id PromptID, text string) Prompt {
	return Prompt{ID: id, Text: text, Expect: "none"}
}
