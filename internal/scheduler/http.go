package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

const contentType = "application/json"

// HTTPClient calls the scheduler REST API
// (GET /api/scheduler/slots, POST /api/scheduler/book).
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for the scheduler at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// flexID accepts both numeric and string identifiers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

type slotItem struct {
	ID       flexID    `json:"id"`
	StartAt  time.Time `json:"start_at"`
	EndAt    time.Time `json:"end_at"`
	Capacity int       `json:"capacity"`
}

type slotsResponse struct {
	Items []slotItem `json:"items"`
}

type bookResponse struct {
	BookingID flexID `json:"booking_id"`
	Code      string `json:"code"`
}

// Slots fetches the slots of a vacancy.
func (c *HTTPClient) Slots(ctx context.Context, vacancyID string) ([]domain.Slot, error) {
	q := url.Values{}
	q.Set("vacancy_id", vacancyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/scheduler/slots?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create slots request: %w", err)
	}
	req.Header.Set("Accept", contentType)

	var resp slotsResponse
	if status, err := c.do(req, &resp); err != nil {
		return nil, err
	} else if status != http.StatusOK {
		return nil, fmt.Errorf("list slots: bad status %d", status)
	}

	slots := make([]domain.Slot, 0, len(resp.Items))
	for _, it := range resp.Items {
		slots = append(slots, domain.Slot{
			ID:        string(it.ID),
			VacancyID: vacancyID,
			StartAt:   it.StartAt,
			EndAt:     it.EndAt,
		})
	}
	return slots, nil
}

// Book reserves a slot. HTTP 409 maps to domain.ErrBookingConflict.
func (c *HTTPClient) Book(ctx context.Context, slotID, candidateID string) (domain.Booking, error) {
	body := map[string]any{"slot_id": numericOrString(slotID)}
	if candidateID != "" {
		body["candidate_id"] = numericOrString(candidateID)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("encode book request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/scheduler/book", bytes.NewReader(data))
	if err != nil {
		return domain.Booking{}, fmt.Errorf("create book request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var resp bookResponse
	status, err := c.do(req, &resp)
	if err != nil {
		return domain.Booking{}, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return domain.Booking{ID: string(resp.BookingID), SlotID: slotID, CandidateID: candidateID, Code: resp.Code}, nil
	case http.StatusConflict:
		return domain.Booking{}, fmt.Errorf("book slot %s: %w", slotID, domain.ErrBookingConflict)
	default:
		return domain.Booking{}, fmt.Errorf("book slot %s: bad status %d", slotID, status)
	}
}

func (c *HTTPClient) do(req *http.Request, target any) (int, error) {
	c.logger.Debug("scheduler request", "method", req.Method, "url", req.URL.String())
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scheduler request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read scheduler response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return resp.StatusCode, fmt.Errorf("decode scheduler response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func numericOrString(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
