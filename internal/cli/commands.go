package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

func newTokenCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage invitation tokens",
	}

	var subject domain.Subject
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a single-use invitation token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject.CandidateID == "" || subject.VacancyID == "" {
				return errors.New("--candidate and --vacancy are required")
			}
			inv, err := e.client().IssueInvitation(cmd.Context(), subject, ttl)
			if err != nil {
				return err
			}
			e.logger.Info("invitation issued", zap.String("jti", inv.JTI), zap.Time("expires_at", inv.ExpiresAt))
			return e.print(inv)
		},
	}
	issue.Flags().StringVar(&subject.CandidateID, "candidate", "", "candidate id")
	issue.Flags().StringVar(&subject.VacancyID, "vacancy", "", "vacancy id")
	issue.Flags().StringVar(&subject.Phone, "phone", "", "candidate phone in E.164")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (server default when unset)")

	cmd.AddCommand(issue)
	return cmd
}

func newCallCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Operate on calls",
	}

	var req DispatchRequest
	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Place an outbound call",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.PhoneTo == "" {
				return errors.New("--phone is required")
			}
			res, err := e.client().Dispatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			e.logger.Info("call dispatched", zap.String("call_id", res.CallID), zap.String("state", string(res.State)))
			return e.print(res)
		},
	}
	f := dispatchCmd.Flags()
	f.StringVar(&req.PhoneTo, "phone", "", "number to call")
	f.StringVar(&req.CandidateID, "candidate", "", "candidate id")
	f.StringVar(&req.VacancyID, "vacancy", "", "vacancy id")
	f.StringVar(&req.Provider, "provider", "", "provider name (server default when unset)")
	f.StringVar(&req.SlotID, "slot", "", "pre-selected slot id")
	f.StringVar(&req.From, "from", "", "caller id")
	f.StringArrayVar(&req.Questions, "question", nil, "prescreen question, repeatable")

	cmd.AddCommand(dispatchCmd)
	return cmd
}

func newCallsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect calls",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent calls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			calls, err := e.client().ListCalls(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return e.print(calls)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of calls (1..100)")

	cmd.AddCommand(list)
	return cmd
}

type webhookFlags struct {
	file           string
	provider       string
	eventType      string
	eventID        string
	providerCallID string
	callID         string
	digit          string
	reason         string
	sequence       int64
}

func (w webhookFlags) envelope() (json.RawMessage, error) {
	if w.eventType == "" {
		return nil, errors.New("--type or --file is required")
	}
	if w.providerCallID == "" && w.callID == "" {
		return nil, errors.New("--provider-call-id or --call-id is required")
	}
	id := w.eventID
	if id == "" {
		id = uuid.NewString()
	}
	payload := map[string]any{}
	if w.digit != "" {
		payload["digit"] = w.digit
	}
	if w.reason != "" {
		payload["reason"] = w.reason
	}
	if w.sequence >= 0 {
		payload["sequence"] = w.sequence
	}
	env := map[string]any{
		"event_type": w.eventType,
		"event_id":   id,
		"timestamp":  strconv.FormatInt(time.Now().Unix(), 10),
		"payload":    payload,
	}
	if w.provider != "" {
		env["provider"] = w.provider
	}
	if w.providerCallID != "" {
		env["provider_call_id"] = w.providerCallID
	}
	if w.callID != "" {
		env["call_id"] = w.callID
	}
	return json.Marshal(env)
}

func readEnvelope(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("envelope is not valid JSON")
	}
	return raw, nil
}

func newWebhookCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Simulate provider webhooks",
	}

	var w webhookFlags
	send := &cobra.Command{
		Use:   "send",
		Short: "Post a provider event to the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				raw json.RawMessage
				err error
			)
			if w.file != "" {
				raw, err = readEnvelope(w.file, cmd.InOrStdin())
			} else {
				raw, err = w.envelope()
			}
			if err != nil {
				return err
			}
			if err := e.client().SendWebhook(cmd.Context(), raw); err != nil {
				return err
			}
			e.logger.Info("webhook accepted", zap.Int("bytes", len(raw)))
			return nil
		},
	}
	f := send.Flags()
	f.StringVarP(&w.file, "file", "f", "", "read the envelope from a file, - for stdin")
	f.StringVar(&w.provider, "provider", "", "provider name")
	f.StringVar(&w.eventType, "type", "", "event type, e.g. call.started, dtmf, finished")
	f.StringVar(&w.eventID, "event-id", "", "event id (random when unset)")
	f.StringVar(&w.providerCallID, "provider-call-id", "", "provider call id")
	f.StringVar(&w.callID, "call-id", "", "internal call id")
	f.StringVar(&w.digit, "digit", "", "DTMF digits")
	f.StringVar(&w.reason, "reason", "", "finish or error reason")
	f.Int64Var(&w.sequence, "seq", -1, "event sequence (omitted when negative)")

	cmd.AddCommand(send)
	return cmd
}
