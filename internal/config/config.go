package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config covers process-level configuration read from environment
// variables. The .env file, if any, is loaded by the entry point before
// Load runs.
type Config struct {
	Environment string
	Port        int

	DisplayTimezone string
	Location        *time.Location

	// Upstream calendar selection: "pco" (default) or "ics".
	CalendarProvider string

	PCOBaseURL             string
	PCOAuthType            string // personal_access_token or oauth
	PCOAppID               string
	PCOSecret              string
	PCOAccessToken         string
	PCOCalendarID          string
	PCOLocationMustContain string
	PCOEventsCacheTTL      time.Duration
	PCOMinFetchInterval    time.Duration
	PCOMaxPages            int
	PCOPerPage             int

	ICSURLs     []string
	ICSCacheDir string

	UnifiBaseURL      string
	UnifiVerifyTLS    bool
	UnifiAuthType     string // none or api_token
	UnifiAPIToken     string
	UnifiAPIKeyHeader string

	ApplyToUnifi   bool
	SyncCron       string
	SyncInterval   time.Duration
	SyncLookahead  time.Duration
	SyncLookbehind time.Duration

	TelegramBotToken string
	TelegramChatIDs  []string

	MappingFile       string
	OfficeHoursFile   string
	OverridesFile     string
	SafeHoursFile     string
	ApprovedNamesFile string
	EventMemoryFile   string
	PendingFile       string
	CancelledFile     string
	SyncStateFile     string
}

// Load reads environment variables, applies defaults, and validates the
// result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "production"),
		Port:        getEnvInt("PORT", 3000),

		DisplayTimezone: getEnv("DISPLAY_TIMEZONE", "America/New_York"),

		CalendarProvider: strings.ToLower(getEnv("CALENDAR_PROVIDER", "pco")),

		PCOBaseURL:             getEnv("PCO_BASE_URL", "https://api.planningcenteronline.com"),
		PCOAuthType:            getEnv("PCO_AUTH_TYPE", "personal_access_token"),
		PCOAppID:               getEnv("PCO_APP_ID", ""),
		PCOSecret:              getEnv("PCO_SECRET", ""),
		PCOAccessToken:         getEnv("PCO_ACCESS_TOKEN", ""),
		PCOCalendarID:          getEnv("PCO_CALENDAR_ID", ""),
		PCOLocationMustContain: getEnv("PCO_LOCATION_MUST_CONTAIN", ""),
		PCOEventsCacheTTL:      time.Duration(getEnvInt("PCO_EVENTS_CACHE_SECONDS", 60)) * time.Second,
		PCOMinFetchInterval:    time.Duration(getEnvInt("PCO_MIN_FETCH_INTERVAL_SECONDS", 60)) * time.Second,
		PCOMaxPages:            getEnvInt("PCO_MAX_PAGES", 40),
		PCOPerPage:             getEnvInt("PCO_PER_PAGE", 100),

		ICSURLs:     splitList(getEnv("ICS_URLS", "")),
		ICSCacheDir: getEnv("ICS_CACHE_DIR", "./var/ics-cache"),

		UnifiBaseURL:      getEnv("UNIFI_ACCESS_BASE_URL", ""),
		UnifiVerifyTLS:    getEnvBool("UNIFI_ACCESS_VERIFY_TLS", false),
		UnifiAuthType:     getEnv("UNIFI_ACCESS_AUTH_TYPE", "none"),
		UnifiAPIToken:     getEnv("UNIFI_ACCESS_API_TOKEN", ""),
		UnifiAPIKeyHeader: getEnv("UNIFI_ACCESS_API_KEY_HEADER", "X-API-Key"),

		ApplyToUnifi:   getEnvBool("APPLY_TO_UNIFI", false),
		SyncCron:       getEnvAllowEmpty("SYNC_CRON", "*/5 * * * *"),
		SyncInterval:   time.Duration(getEnvInt("SYNC_INTERVAL_SECONDS", 300)) * time.Second,
		SyncLookahead:  time.Duration(getEnvInt("SYNC_LOOKAHEAD_HOURS", 168)) * time.Hour,
		SyncLookbehind: time.Duration(getEnvInt("SYNC_LOOKBEHIND_HOURS", 24)) * time.Hour,

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatIDs:  splitList(getEnv("TELEGRAM_CHAT_IDS", "")),

		MappingFile:       getEnv("ROOM_DOOR_MAPPING_FILE", "./config/room-door-mapping.json"),
		OfficeHoursFile:   getEnv("OFFICE_HOURS_FILE", "./config/office-hours.json"),
		OverridesFile:     getEnv("EVENT_OVERRIDES_FILE", "./config/event-overrides.json"),
		SafeHoursFile:     getEnv("SAFE_HOURS_FILE", "./config/safe-hours.json"),
		ApprovedNamesFile: getEnv("APPROVED_EVENT_NAMES_FILE", "./config/approved-event-names.json"),
		EventMemoryFile:   getEnv("EVENT_MEMORY_FILE", "./config/event-memory.json"),
		PendingFile:       getEnv("PENDING_APPROVALS_FILE", "./config/pending-approvals.json"),
		CancelledFile:     getEnv("CANCELLED_EVENTS_FILE", "./config/cancelled-events.json"),
		SyncStateFile:     getEnv("SYNC_STATE_FILE", "./config/sync-state.json"),
	}

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid DISPLAY_TIMEZONE %q: %w", cfg.DisplayTimezone, err)
	}
	cfg.Location = loc

	if cfg.CalendarProvider != "pco" && cfg.CalendarProvider != "ics" {
		return nil, fmt.Errorf("unsupported CALENDAR_PROVIDER %q", cfg.CalendarProvider)
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("SYNC_INTERVAL_SECONDS must be positive")
	}
	if cfg.SyncLookahead <= 0 || cfg.SyncLookbehind < 0 {
		return nil, fmt.Errorf("sync window hours out of range")
	}
	if cfg.PCOMaxPages < 1 {
		cfg.PCOMaxPages = 1
	}
	if cfg.PCOPerPage < 1 {
		cfg.PCOPerPage = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// getEnvAllowEmpty treats a set-but-empty variable as an explicit
// empty value. SYNC_CRON="" switches the scheduler to interval mode.
func getEnvAllowEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
