// Package cli implements voipctl, the operator command line for the
// orchestrator's HTTP API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to the orchestrator.
type Client struct {
	baseURL    string
	adminToken string
	operator   string
	http       *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for baseURL.
func NewClient(baseURL, adminToken, operator string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		operator:   operator,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Invitation is a freshly issued token.
type Invitation struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueInvitation asks the server to mint a token. Needs the admin token.
func (c *Client) IssueInvitation(ctx context.Context, subject domain.Subject, ttl time.Duration) (Invitation, error) {
	body := map[string]any{
		"candidate_id": subject.CandidateID,
		"vacancy_id":   subject.VacancyID,
		"phone":        subject.Phone,
	}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl.Seconds())
	}
	var out Invitation
	err := c.do(ctx, http.MethodPost, "/voip/invitations", body, &out)
	return out, err
}

// DispatchRequest is the body of POST /voip/call.
type DispatchRequest struct {
	Provider    string   `json:"provider,omitempty"`
	CandidateID string   `json:"candidate_id,omitempty"`
	VacancyID   string   `json:"vacancy_id,omitempty"`
	PhoneTo     string   `json:"phone_to"`
	SlotID      string   `json:"slot_id,omitempty"`
	From        string   `json:"from,omitempty"`
	Questions   []string `json:"questions,omitempty"`
}

// DispatchResult is the answer to POST /voip/call.
type DispatchResult struct {
	CallID  string             `json:"call_id"`
	State   domain.CallState   `json:"state"`
	Session domain.CallSession `json:"session"`
}

// Dispatch places an outbound call.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	var out DispatchResult
	err := c.do(ctx, http.MethodPost, "/voip/call", req, &out)
	return out, err
}

// ListCalls returns the newest sessions.
func (c *Client) ListCalls(ctx context.Context, limit int) ([]domain.CallSession, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Calls []domain.CallSession `json:"calls"`
	}
	err := c.do(ctx, http.MethodGet, "/voip/calls?"+q.Encode(), nil, &out)
	return out.Calls, err
}

// SendWebhook posts a raw provider event.
func (c *Client) SendWebhook(ctx context.Context, raw json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/voip/webhook", raw, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	if c.operator != "" {
		req.Header.Set("X-Operator-ID", c.operator)
	}

	c.logger.Debug("request", zap.String("method", method), zap.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("response", zap.Int("status", resp.StatusCode), zap.Int("bytes", len(data)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if target == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
