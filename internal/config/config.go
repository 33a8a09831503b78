// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string
	DBPath      string
	FrontendURL string
	AuthSecret  string
	AdminToken  string
	InviteTTL   time.Duration

	Provider   string
	Voximplant VoximplantConfig
	Zadarma    ZadarmaConfig

	SchedulerURL     string
	SchedulerTimeout time.Duration
	// DemoVacancies get seeded slots when no external scheduler is configured.
	DemoVacancies []string

	Call     CallConfig
	IVR      IVRConfig
	Webhook  WebhookConfig
	Escalate EscalationConfig
}

// VoximplantConfig holds Voximplant API credentials.
type VoximplantConfig struct {
	AccountID string
	APIKey    string
	RuleID    string
	APIURL    string
}

// ZadarmaConfig holds Zadarma API credentials.
type ZadarmaConfig struct {
	Key    string
	Secret string
	From   string
	APIURL string
}

// CallConfig holds lifecycle timeouts.
type CallConfig struct {
	RingTimeout      time.Duration
	IVRInactivity    time.Duration
	FinalizeGrace    time.Duration
	SessionRetention time.Duration
}

// IVRConfig tunes the DTMF dialog.
type IVRConfig struct {
	SlotWindow       int
	MaxRetries       int
	InboundVacancyID string
}

// WebhookConfig sizes the ingestion pipeline.
type WebhookConfig struct {
	Workers         int
	QueueSize       int
	DedupWindow     time.Duration
	DedupMaxEntries int
	MaxBodyBytes    int64
}

// EscalationConfig controls automatic calls for unused invitations.
type EscalationConfig struct {
	Enabled       bool
	Interval      time.Duration
	AutocallAfter time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		DBPath:      getEnv("DB_PATH", "./data/voip.db"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		AuthSecret:  getEnv("AUTH_SECRET", ""),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		InviteTTL:   getEnvDuration("INVITE_TTL", 72*time.Hour),

		Provider: strings.ToLower(getEnv("VOIP_PROVIDER", "simulated")),
		Voximplant: VoximplantConfig{
			AccountID: getEnv("VOXIMPLANT_ACCOUNT", ""),
			APIKey:    getEnv("VOXIMPLANT_API_KEY", ""),
			RuleID:    getEnv("VOXIMPLANT_RULE_ID", ""),
			APIURL:    getEnv("VOXIMPLANT_API_URL", "https://api.voximplant.com/platform_api"),
		},
		Zadarma: ZadarmaConfig{
			Key:    getEnv("ZADARMA_KEY", ""),
			Secret: getEnv("ZADARMA_SECRET", ""),
			From:   getEnv("ZADARMA_FROM", ""),
			APIURL: getEnv("ZADARMA_API_URL", "https://api.zadarma.com"),
		},

		SchedulerURL:     getEnv("SCHEDULER_URL", ""),
		SchedulerTimeout: getEnvDuration("SCHEDULER_TIMEOUT", 5*time.Second),
		DemoVacancies:    getEnvList("SCHEDULER_DEMO_VACANCIES", "demo"),

		Call: CallConfig{
			RingTimeout:      getEnvDuration("RING_TIMEOUT", 45*time.Second),
			IVRInactivity:    getEnvDuration("IVR_INACTIVITY_TIMEOUT", 30*time.Second),
			FinalizeGrace:    getEnvDuration("FINALIZE_GRACE", 60*time.Second),
			SessionRetention: getEnvDuration("SESSION_RETENTION", 30*time.Minute),
		},
		IVR: IVRConfig{
			SlotWindow:       getEnvInt("IVR_SLOT_WINDOW", 5),
			MaxRetries:       getEnvInt("IVR_MAX_RETRIES", 3),
			InboundVacancyID: getEnv("IVR_INBOUND_VACANCY", ""),
		},
		Webhook: WebhookConfig{
			Workers:         getEnvInt("WEBHOOK_WORKERS", 8),
			QueueSize:       getEnvInt("WEBHOOK_QUEUE_SIZE", 256),
			DedupWindow:     getEnvDuration("DEDUP_WINDOW", 24*time.Hour),
			DedupMaxEntries: getEnvInt("DEDUP_MAX_ENTRIES", 100_000),
			MaxBodyBytes:    int64(getEnvInt("WEBHOOK_MAX_BODY_BYTES", 64<<10)),
		},
		Escalate: EscalationConfig{
			Enabled:       getEnvBool("ESCALATION_ENABLED", false),
			Interval:      getEnvDuration("ESCALATION_INTERVAL", 5*time.Minute),
			AutocallAfter: getEnvDuration("ESCALATION_AUTOCALL_AFTER", 24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.AuthSecret) < 16 {
		return fmt.Errorf("AUTH_SECRET must be at least 16 characters")
	}
	switch c.Provider {
	case "simulated":
	case "voximplant":
		if c.Voximplant.AccountID == "" || c.Voximplant.APIKey == "" || c.Voximplant.RuleID == "" {
			return fmt.Errorf("VOXIMPLANT_ACCOUNT, VOXIMPLANT_API_KEY and VOXIMPLANT_RULE_ID are required for VOIP_PROVIDER=voximplant")
		}
	case "zadarma":
		if c.Zadarma.Key == "" || c.Zadarma.Secret == "" {
			return fmt.Errorf("ZADARMA_KEY and ZADARMA_SECRET are required for VOIP_PROVIDER=zadarma")
		}
	default:
		return fmt.Errorf("VOIP_PROVIDER %q is not supported", c.Provider)
	}
	if c.Call.RingTimeout <= 0 || c.Call.IVRInactivity <= 0 || c.Call.FinalizeGrace <= 0 {
		return fmt.Errorf("RING_TIMEOUT, IVR_INACTIVITY_TIMEOUT and FINALIZE_GRACE must be > 0")
	}
	if c.IVR.SlotWindow < 1 || c.IVR.SlotWindow > 9 {
		return fmt.Errorf("IVR_SLOT_WINDOW must be between 1 and 9")
	}
	if c.IVR.MaxRetries < 1 {
		return fmt.Errorf("IVR_MAX_RETRIES must be > 0")
	}
	if c.Webhook.Workers <= 0 || c.Webhook.QueueSize <= 0 {
		return fmt.Errorf("WEBHOOK_WORKERS and WEBHOOK_QUEUE_SIZE must be > 0")
	}
	if c.Webhook.DedupWindow <= 0 || c.Webhook.DedupMaxEntries <= 0 {
		return fmt.Errorf("DEDUP_WINDOW and DEDUP_MAX_ENTRIES must be > 0")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("INVITE_TTL must be > 0")
	}
	if c.Escalate.Enabled && c.Escalate.Interval < time.Minute {
		return fmt.Errorf("ESCALATION_INTERVAL must be at least 1m")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the admin UI.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, fallback), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("45s") or bare seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
