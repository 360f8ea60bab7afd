package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int
	DatabaseURL    string
	AdminJWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	InboundQueueURL     string
	InboundRunsTable    string

	// Generation
	BedrockModelID    string
	GeminiAPIKey      string
	GeminiModel       string
	GenerationTimeout time.Duration
	MaxToolRounds     int
	HistoryLimit      int
	HistoryTTL        time.Duration
	SystemPrompt      string
	ToolCatalogPath   string
	RunTimeout        time.Duration

	// Fixed replies
	FallbackReply      string
	ApologyReply       string
	OptOutConfirmation string
	MediaAutoReply     string
	HelpReply          string
	HandoffAck         string
	HandoffKeywords    []string
	IntermediaryNotice string

	// Mode routing
	PendingTransitionTimeout time.Duration
	TransitionCooldown       time.Duration
	IntentsConfigPath        string
	CapabilitiesConfigPath   string

	// Humanized delay
	DelayEnabled        bool
	DelayPeakStartHour  int
	DelayPeakEndHour    int
	DelayPeakMultiplier float64
	DelayTimezone       string

	// Rate limits
	GlobalHourlyLimit        int
	GlobalDailyLimit         int
	RecipientMinInterval     time.Duration
	RecipientHourlyLimit     int
	CategoryHourlyLimit      int
	RateLimitFailOpenChecks  []string
	RateLimitDurableFallback bool

	// Outbound guardrail
	RestrictedEnv      bool
	RecipientAllowlist []string
	ContactDailyCap    int
	CampaignDailyCap   int
	DedupBucket        time.Duration
	DedupTTL           time.Duration
	QuietHoursStart    string
	QuietHoursEnd      string
	QuietHoursTimezone string

	// Messaging gateway
	GatewayURL            string
	GatewayAPIKey         string
	GatewaySenderID       string
	FailoverGatewayURL    string
	FailoverGatewayAPIKey string
	GatewayMaxAttempts    int
	GatewayRetryBaseDelay time.Duration

	// Handoff notifications
	EmailProvider       string
	SendGridAPIKey      string
	SendGridFromEmail   string
	SendGridFromName    string
	SESFromEmail        string
	HandoffNotifyEmails []string

	// Decision records
	AMQPURL      string
	AMQPExchange string

	// Inbound webhook throttling, per client address
	WebhookRatePerSecond float64
	WebhookBurst         int
}

// LoadDotEnv loads a .env file when one is present. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InboundQueueURL:     getEnv("INBOUND_QUEUE_URL", ""),
		InboundRunsTable:    getEnv("INBOUND_RUNS_TABLE", "inbound_runs"),

		BedrockModelID:    getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		GenerationTimeout: getEnvAsDuration("GENERATION_TIMEOUT", 25*time.Second),
		MaxToolRounds:     getEnvAsInt("MAX_TOOL_ROUNDS", 3),
		HistoryLimit:      getEnvAsInt("HISTORY_LIMIT", 20),
		HistoryTTL:        getEnvAsDuration("HISTORY_TTL", 7*24*time.Hour),
		SystemPrompt:      getEnv("SYSTEM_PROMPT", ""),
		ToolCatalogPath:   getEnv("TOOL_CATALOG_PATH", ""),
		RunTimeout:        getEnvAsDuration("RUN_TIMEOUT", 2*time.Minute),

		FallbackReply:      getEnv("FALLBACK_REPLY", "Desculpe, estou com uma instabilidade agora. Já te respondo!"),
		ApologyReply:       getEnv("APOLOGY_REPLY", "Desculpe, não consegui processar sua mensagem. Pode repetir?"),
		OptOutConfirmation: getEnv("OPT_OUT_CONFIRMATION", "Tudo certo, você não receberá mais mensagens. Se mudar de ideia, é só mandar um oi."),
		MediaAutoReply:     getEnv("MEDIA_AUTO_REPLY", "Recebi seu arquivo! Por aqui consigo ler apenas texto, pode me escrever?"),
		HelpReply:          getEnv("HELP_REPLY", ""),
		HandoffAck:         getEnv("HANDOFF_ACK", "Certo! Vou chamar alguém da equipe para falar com você."),
		HandoffKeywords:    getEnvAsList("HANDOFF_KEYWORDS", nil),
		IntermediaryNotice: getEnv("INTERMEDIARY_NOTICE", ""),

		PendingTransitionTimeout: getEnvAsDuration("MODE_PENDING_TIMEOUT", 30*time.Minute),
		TransitionCooldown:       getEnvAsDuration("MODE_TRANSITION_COOLDOWN", 5*time.Minute),
		IntentsConfigPath:        getEnv("INTENTS_CONFIG_PATH", ""),
		CapabilitiesConfigPath:   getEnv("CAPABILITIES_CONFIG_PATH", ""),

		DelayEnabled:        getEnvAsBool("DELAY_ENABLED", true),
		DelayPeakStartHour:  getEnvAsInt("DELAY_PEAK_START_HOUR", 11),
		DelayPeakEndHour:    getEnvAsInt("DELAY_PEAK_END_HOUR", 14),
		DelayPeakMultiplier: getEnvAsFloat("DELAY_PEAK_MULTIPLIER", 1.5),
		DelayTimezone:       getEnv("DELAY_TZ", "UTC"),

		GlobalHourlyLimit:        getEnvAsInt("RATE_GLOBAL_HOURLY", 500),
		GlobalDailyLimit:         getEnvAsInt("RATE_GLOBAL_DAILY", 5000),
		RecipientMinInterval:     getEnvAsDuration("RATE_RECIPIENT_MIN_INTERVAL", 3*time.Second),
		RecipientHourlyLimit:     getEnvAsInt("RATE_RECIPIENT_HOURLY", 30),
		CategoryHourlyLimit:      getEnvAsInt("RATE_CATEGORY_HOURLY", 200),
		RateLimitFailOpenChecks:  getEnvAsList("RATE_FAIL_OPEN_CHECKS", []string{"global_hour", "global_day", "category_hour"}),
		RateLimitDurableFallback: getEnvAsBool("RATE_DURABLE_FALLBACK", true),

		RestrictedEnv:      getEnvAsBool("OUTBOUND_RESTRICTED", false),
		RecipientAllowlist: getEnvAsList("OUTBOUND_ALLOWLIST", nil),
		ContactDailyCap:    getEnvAsInt("CONTACT_DAILY_CAP", 3),
		CampaignDailyCap:   getEnvAsInt("CAMPAIGN_DAILY_CAP", 1),
		DedupBucket:        getEnvAsDuration("DEDUP_BUCKET", 10*time.Minute),
		DedupTTL:           getEnvAsDuration("DEDUP_TTL", 15*time.Minute),
		QuietHoursStart:    getEnv("QUIET_HOURS_START", ""),
		QuietHoursEnd:      getEnv("QUIET_HOURS_END", ""),
		QuietHoursTimezone: getEnv("QUIET_HOURS_TZ", "UTC"),

		GatewayURL:            getEnv("GATEWAY_URL", ""),
		GatewayAPIKey:         getEnv("GATEWAY_API_KEY", ""),
		GatewaySenderID:       getEnv("GATEWAY_SENDER_ID", ""),
		FailoverGatewayURL:    getEnv("FAILOVER_GATEWAY_URL", ""),
		FailoverGatewayAPIKey: getEnv("FAILOVER_GATEWAY_API_KEY", ""),
		GatewayMaxAttempts:    getEnvAsInt("GATEWAY_MAX_ATTEMPTS", 3),
		GatewayRetryBaseDelay: getEnvAsDuration("GATEWAY_RETRY_BASE_DELAY", 500*time.Millisecond),

		EmailProvider:       strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "sendgrid"))),
		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:   getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:    getEnv("SENDGRID_FROM_NAME", "Chat Agent"),
		SESFromEmail:        getEnv("SES_FROM_EMAIL", ""),
		HandoffNotifyEmails: getEnvAsList("HANDOFF_NOTIFY_EMAILS", nil),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "chatagent.decisions"),

		WebhookRatePerSecond: getEnvAsFloat("WEBHOOK_RATE_PER_SECOND", 20),
		WebhookBurst:         getEnvAsInt("WEBHOOK_BURST", 40),
	}
}

// IsProduction reports whether the service runs in the production environment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
