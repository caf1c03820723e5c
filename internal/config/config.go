/**
 * @description
 * Configuration management for the payment-service. Values come from
 * environment variables, optionally backed by a .env file, through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payment-service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	MigrationsPath        string `mapstructure:"MIGRATIONS_PATH"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix        string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	EventsExchange        string `mapstructure:"EVENTS_EXCHANGE"`
	ReconcileQueue        string `mapstructure:"RECONCILE_QUEUE"`
	InternalAPIKey        string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWKSURL          string `mapstructure:"ADMIN_JWKS_URL"`
	AdminRole             string `mapstructure:"ADMIN_ROLE"`
	CORSAllowedOrigins    string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	NotificationURLBase   string `mapstructure:"NOTIFICATION_URL_BASE"`
	CredentialsKey        string `mapstructure:"CREDENTIALS_ENCRYPTION_KEY"`
	OAuthCacheTTLSeconds  int    `mapstructure:"OAUTH_CACHE_TTL_SECONDS"`
	TierCacheTTLSeconds   int    `mapstructure:"TIER_CACHE_TTL_SECONDS"`
	WebhookRateLimit      int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	GatewayTimeoutSeconds int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	BreakerFailures       int    `mapstructure:"GATEWAY_BREAKER_FAILURES"`
	BreakerOpenSeconds    int    `mapstructure:"GATEWAY_BREAKER_OPEN_SECONDS"`

	GatewayFees             string `mapstructure:"GATEWAY_FEES"`
	TierTable               string `mapstructure:"TIER_TABLE"`
	StalePendingHours       int    `mapstructure:"STALE_PENDING_HOURS"`
	StaleBoletoHours        int    `mapstructure:"STALE_PENDING_BOLETO_HOURS"`
	StaleGatewayHours       string `mapstructure:"STALE_PENDING_GATEWAY_HOURS"`
	StalePendingCron        string `mapstructure:"STALE_PENDING_SCHEDULE"`
	TierRefreshCron         string `mapstructure:"TIER_REFRESH_SCHEDULE"`
	MercadoPagoBaseURL      string `mapstructure:"MERCADOPAGO_BASE_URL"`
	MercadoPagoEnabled      bool   `mapstructure:"MERCADOPAGO_ENABLED"`
	MercadoPagoToken        string `mapstructure:"MERCADOPAGO_ACCESS_TOKEN"`
	MercadoPagoSecret       string `mapstructure:"MERCADOPAGO_WEBHOOK_SECRET"`
	MercadoPagoClientID     string `mapstructure:"MERCADOPAGO_CLIENT_ID"`
	MercadoPagoClientSecret string `mapstructure:"MERCADOPAGO_CLIENT_SECRET"`
	AsaasEnabled            bool   `mapstructure:"ASAAS_ENABLED"`
	AsaasSandbox            bool   `mapstructure:"ASAAS_SANDBOX"`
	AsaasToken              string `mapstructure:"ASAAS_ACCESS_TOKEN"`
	AsaasWebhookToken       string `mapstructure:"ASAAS_WEBHOOK_SECRET"`
	AsaasBoletoDueDays      int    `mapstructure:"ASAAS_BOLETO_DUE_DAYS"`
	PagSeguroEnabled        bool   `mapstructure:"PAGSEGURO_ENABLED"`
	PagSeguroSandbox        bool   `mapstructure:"PAGSEGURO_SANDBOX"`
	PagSeguroToken          string `mapstructure:"PAGSEGURO_ACCESS_TOKEN"`
	PagSeguroSecret         string `mapstructure:"PAGSEGURO_WEBHOOK_SECRET"`
	PagSeguroDueDays        int    `mapstructure:"PAGSEGURO_BOLETO_DUE_DAYS"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "payments")
	viper.SetDefault("EVENTS_EXCHANGE", "hng.events")
	viper.SetDefault("RECONCILE_QUEUE", "payment_service.reconcile_requests")
	viper.SetDefault("ADMIN_ROLE", "admin")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("OAUTH_CACHE_TTL_SECONDS", 600)
	viper.SetDefault("TIER_CACHE_TTL_SECONDS", 900)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 600)
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 20)
	viper.SetDefault("GATEWAY_BREAKER_FAILURES", 5)
	viper.SetDefault("GATEWAY_BREAKER_OPEN_SECONDS", 30)
	viper.SetDefault("STALE_PENDING_HOURS", 24)
	viper.SetDefault("STALE_PENDING_BOLETO_HOURS", 72)
	viper.SetDefault("STALE_PENDING_SCHEDULE", "@every 1h")
	viper.SetDefault("TIER_REFRESH_SCHEDULE", "0 3 * * *")
	viper.SetDefault("MERCADOPAGO_ENABLED", true)
	viper.SetDefault("ASAAS_ENABLED", true)
	viper.SetDefault("ASAAS_BOLETO_DUE_DAYS", 3)
	viper.SetDefault("PAGSEGURO_ENABLED", true)
	viper.SetDefault("PAGSEGURO_BOLETO_DUE_DAYS", 3)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("MIGRATIONS_PATH")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("RECONCILE_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWKS_URL")
	_ = viper.BindEnv("ADMIN_ROLE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("NOTIFICATION_URL_BASE")
	_ = viper.BindEnv("CREDENTIALS_ENCRYPTION_KEY")
	_ = viper.BindEnv("OAUTH_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("TIER_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("GATEWAY_BREAKER_FAILURES")
	_ = viper.BindEnv("GATEWAY_BREAKER_OPEN_SECONDS")
	_ = viper.BindEnv("GATEWAY_FEES")
	_ = viper.BindEnv("TIER_TABLE")
	_ = viper.BindEnv("STALE_PENDING_HOURS")
	_ = viper.BindEnv("STALE_PENDING_BOLETO_HOURS")
	_ = viper.BindEnv("STALE_PENDING_GATEWAY_HOURS")
	_ = viper.BindEnv("STALE_PENDING_SCHEDULE")
	_ = viper.BindEnv("TIER_REFRESH_SCHEDULE")
	_ = viper.BindEnv("MERCADOPAGO_BASE_URL")
	_ = viper.BindEnv("MERCADOPAGO_ENABLED")
	_ = viper.BindEnv("MERCADOPAGO_ACCESS_TOKEN")
	_ = viper.BindEnv("MERCADOPAGO_WEBHOOK_SECRET")
	_ = viper.BindEnv("MERCADOPAGO_CLIENT_ID")
	_ = viper.BindEnv("MERCADOPAGO_CLIENT_SECRET")
	_ = viper.BindEnv("ASAAS_ENABLED")
	_ = viper.BindEnv("ASAAS_SANDBOX")
	_ = viper.BindEnv("ASAAS_ACCESS_TOKEN", "ASAAS_ACCESS_TOKEN", "ASAAS_API_KEY")
	_ = viper.BindEnv("ASAAS_WEBHOOK_SECRET", "ASAAS_WEBHOOK_SECRET", "ASAAS_WEBHOOK_TOKEN")
	_ = viper.BindEnv("ASAAS_BOLETO_DUE_DAYS")
	_ = viper.BindEnv("PAGSEGURO_ENABLED")
	_ = viper.BindEnv("PAGSEGURO_SANDBOX")
	_ = viper.BindEnv("PAGSEGURO_ACCESS_TOKEN", "PAGSEGURO_ACCESS_TOKEN", "PAGSEGURO_TOKEN")
	_ = viper.BindEnv("PAGSEGURO_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAGSEGURO_BOLETO_DUE_DAYS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.NotificationURLBase = strings.TrimRight(strings.TrimSpace(config.NotificationURLBase), "/")
	if config.StalePendingHours <= 0 {
		config.StalePendingHours = 24
	}
	if config.StaleBoletoHours <= 0 {
		config.StaleBoletoHours = 72
	}

	return config, nil
}

// StaleOverrides parses STALE_PENDING_GATEWAY_HOURS, a comma separated list of
// gateway=hours pairs such as "pagseguro=48,asaas=96". Malformed pairs are
// logged and skipped.
func (c Config) StaleOverrides() map[string]time.Duration {
	out := map[string]time.Duration{}
	for _, pair := range strings.Split(c.StaleGatewayHours, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rawHours, ok := strings.Cut(pair, "=")
		hours, err := strconv.Atoi(strings.TrimSpace(rawHours))
		if !ok || err != nil || hours <= 0 {
			log.Printf("level=warn component=config msg=\"invalid stale pending override\" value=%q", pair)
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = time.Duration(hours) * time.Hour
	}
	return out
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
