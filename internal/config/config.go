package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	JWTSecret   string `env:"JWT_SECRET,required=true"`

	FCMAPIKey          string `env:"FCM_API_KEY"`
	FCMEndpoint        string `env:"FCM_ENDPOINT,default=https://fcm.googleapis.com/fcm/send"`
	TwilioAccountSID   string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromWhatsApp string `env:"TWILIO_FROM_WHATSAPP"`
	TwilioEndpoint     string `env:"TWILIO_ENDPOINT,default=https://api.twilio.com"`

	RetryBaseDelay      time.Duration `env:"RETRY_BASE_DELAY,default=2s"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY,default=60s"`
	EscalationTimeout   time.Duration `env:"ESCALATION_TIMEOUT,default=5m"`
	MaxEscalationRounds int           `env:"MAX_ESCALATION_ROUNDS,default=3"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`

	RateLimitPerSec   int    `env:"RATE_LIMIT_PER_SEC,default=50"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=8"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
