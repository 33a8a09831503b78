package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// VoximplantConfig holds Management API credentials.
type VoximplantConfig struct {
	AccountID string
	APIKey    string
	RuleID    string
	APIURL    string
	Timeout   time.Duration
}

// VoximplantAdapter starts a scenario rule that dials the candidate. The
// internal call id travels in script_custom_data and comes back in webhooks.
type VoximplantAdapter struct {
	cfg    VoximplantConfig
	client *http.Client
}

// NewVoximplant creates the adapter.
func NewVoximplant(cfg VoximplantConfig) *VoximplantAdapter {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.voximplant.com/platform_api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &VoximplantAdapter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name returns "voximplant".
func (v *VoximplantAdapter) Name() string { return Voximplant }

type voximplantResponse struct {
	Result               int   `json:"result"`
	CallSessionHistoryID int64 `json:"call_session_history_id"`
	Error                *struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	} `json:"error"`
}

// CreateCall calls StartScenarios.
func (v *VoximplantAdapter) CreateCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if v.cfg.AccountID == "" || v.cfg.APIKey == "" || v.cfg.RuleID == "" {
		return CallResult{}, unavailable(Voximplant, errors.New("credentials not configured"))
	}

	custom, err := json.Marshal(map[string]string{
		"call_id": req.CallID,
		"phone":   req.To,
		"from":    req.From,
	})
	if err != nil {
		return CallResult{}, unavailable(Voximplant, err)
	}

	form := url.Values{}
	form.Set("account_id", v.cfg.AccountID)
	form.Set("api_key", v.cfg.APIKey)
	form.Set("rule_id", v.cfg.RuleID)
	form.Set("script_custom_data", string(custom))

	endpoint := strings.TrimRight(v.cfg.APIURL, "/") + "/StartScenarios"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return CallResult{}, unavailable(Voximplant, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return CallResult{}, unavailable(Voximplant, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CallResult{}, unavailable(Voximplant, err)
	}
	if resp.StatusCode != http.StatusOK {
		return CallResult{}, unavailable(Voximplant, fmt.Errorf("bad status: %s", resp.Status))
	}

	var out voximplantResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return CallResult{}, unavailable(Voximplant, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != nil {
		return CallResult{}, unavailable(Voximplant, fmt.Errorf("api error %d: %s", out.Error.Code, out.Error.Msg))
	}
	if out.Result != 1 {
		return CallResult{}, unavailable(Voximplant, fmt.Errorf("unexpected result %d", out.Result))
	}

	var pid string
	if out.CallSessionHistoryID != 0 {
		pid = strconv.FormatInt(out.CallSessionHistoryID, 10)
	}
	return CallResult{ProviderCallID: pid}, nil
}
