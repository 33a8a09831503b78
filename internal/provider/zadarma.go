package provider

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const zadarmaCallbackMethod = "/v1/request/callback/"

// ZadarmaConfig holds API credentials.
type ZadarmaConfig struct {
	Key     string
	Secret  string
	From    string
	APIURL  string
	Timeout time.Duration
}

// ZadarmaAdapter requests a callback that first rings the PBX extension in
// From and then bridges it to the candidate.
type ZadarmaAdapter struct {
	cfg    ZadarmaConfig
	client *http.Client
}

// NewZadarma creates the adapter.
func NewZadarma(cfg ZadarmaConfig) *ZadarmaAdapter {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.zadarma.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ZadarmaAdapter{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name returns "zadarma".
func (z *ZadarmaAdapter) Name() string { return Zadarma }

type zadarmaResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CreateCall issues the callback request. Zadarma does not return a call id
// here; it is bound from the first webhook.
func (z *ZadarmaAdapter) CreateCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if z.cfg.Key == "" || z.cfg.Secret == "" {
		return CallResult{}, unavailable(Zadarma, errors.New("credentials not configured"))
	}
	from := req.From
	if from == "" {
		from = z.cfg.From
	}
	if from == "" {
		return CallResult{}, unavailable(Zadarma, errors.New("no caller extension configured"))
	}

	params := url.Values{}
	params.Set("from", from)
	params.Set("to", req.To)
	params.Set("predicted", "predicted")
	query := params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(z.cfg.APIURL, "/")+zadarmaCallbackMethod+"?"+query, nil)
	if err != nil {
		return CallResult{}, unavailable(Zadarma, err)
	}
	httpReq.Header.Set("Authorization", z.cfg.Key+":"+zadarmaSign(zadarmaCallbackMethod, query, z.cfg.Secret))

	resp, err := z.client.Do(httpReq)
	if err != nil {
		return CallResult{}, unavailable(Zadarma, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CallResult{}, unavailable(Zadarma, err)
	}
	var out zadarmaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return CallResult{}, unavailable(Zadarma, fmt.Errorf("status %s: decode response: %w", resp.Status, err))
	}
	if resp.StatusCode != http.StatusOK || out.Status != "success" {
		return CallResult{}, unavailable(Zadarma, fmt.Errorf("status %s: %s", resp.Status, out.Message))
	}
	return CallResult{}, nil
}

// zadarmaSign computes base64(hex(hmac_sha1(method + query + md5(query), secret))).
func zadarmaSign(method, query, secret string) string {
	sum := md5.Sum([]byte(query))
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(method + query + hex.EncodeToString(sum[:])))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
}
