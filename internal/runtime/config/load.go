package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads PROTOGATE_* environment variables on top of Default, after loading
// an optional .env file (PROTOGATE_ENV_FILE, default ".env"), and validates the result.
func Load() (Config, error) {
	envFile := getenv("PROTOGATE_ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, err
		}
	}

	d := Default()
	cfg := Config{
		PubSubSystem:       strings.ToLower(getenv("PROTOGATE_PUBSUB", d.PubSubSystem)),
		KafkaBrokers:       splitCSV(getenv("PROTOGATE_KAFKA_BROKERS", "")),
		KafkaConsumerGroup: getenv("PROTOGATE_KAFKA_CONSUMER_GROUP", "protogate"),
		RabbitMQURL:        getenv("PROTOGATE_RABBITMQ_URL", ""),
		NATSURL:            getenv("PROTOGATE_NATS_URL", ""),
		HTTPServerAddress:  getenv("PROTOGATE_HTTP_BROKER_ADDRESS", ""),
		HTTPPublisherURL:   getenv("PROTOGATE_HTTP_BROKER_PUBLISH_URL", ""),
		AWSRegion:          getenv("PROTOGATE_AWS_REGION", ""),
		AWSAccountID:       getenv("PROTOGATE_AWS_ACCOUNT_ID", ""),
		AWSAccessKeyID:     getenv("PROTOGATE_AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getenv("PROTOGATE_AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpoint:        getenv("PROTOGATE_AWS_ENDPOINT", ""),

		InstanceID:       getenv("PROTOGATE_INSTANCE_ID", ""),
		RPCTimeout:       getdur("PROTOGATE_RPC_TIMEOUT", d.RPCTimeout),
		RPCReplySuffix:   getenv("PROTOGATE_RPC_REPLY_SUFFIX", d.RPCReplySuffix),
		RPCSweepInterval: getdur("PROTOGATE_RPC_SWEEP_INTERVAL", d.RPCSweepInterval),

		ModerationBackend:  strings.ToLower(getenv("PROTOGATE_MODERATION_BACKEND", d.ModerationBackend)),
		ModerationTopic:    getenv("PROTOGATE_MODERATION_TOPIC", d.ModerationTopic),
		ModerationEndpoint: getenv("PROTOGATE_MODERATION_ENDPOINT", ""),
		ModerationAPIKey:   getenv("PROTOGATE_MODERATION_API_KEY", ""),
		ModerationModel:    getenv("PROTOGATE_MODERATION_MODEL", d.ModerationModel),
		ModerationTimeout:  getdur("PROTOGATE_MODERATION_TIMEOUT", d.ModerationTimeout),

		DuplicateTextThreshold:  getint("PROTOGATE_DUPLICATE_TEXT_THRESHOLD", d.DuplicateTextThreshold),
		DuplicateImageThreshold: getint("PROTOGATE_DUPLICATE_IMAGE_THRESHOLD", d.DuplicateImageThreshold),
		DuplicateCandidateLimit: getint("PROTOGATE_DUPLICATE_CANDIDATE_LIMIT", d.DuplicateCandidateLimit),
		DuplicateMinTextLength:  getint("PROTOGATE_DUPLICATE_MIN_TEXT_LENGTH", d.DuplicateMinTextLength),
		DuplicateEventTopic:     getenv("PROTOGATE_DUPLICATE_EVENT_TOPIC", d.DuplicateEventTopic),

		QueryCacheSize: getint("PROTOGATE_QUERY_CACHE_SIZE", d.QueryCacheSize),
		QueryCacheTTL:  getdur("PROTOGATE_QUERY_CACHE_TTL", d.QueryCacheTTL),

		EventTopics:  d.EventTopics,
		StreamBuffer: getint("PROTOGATE_STREAM_BUFFER", d.StreamBuffer),
		PoisonQueue:  getenv("PROTOGATE_POISON_QUEUE", d.PoisonQueue),

		RetryMaxRetries:      getint("PROTOGATE_RETRY_MAX_RETRIES", 0),
		RetryInitialInterval: getdur("PROTOGATE_RETRY_INITIAL_INTERVAL", 0),
		RetryMaxInterval:     getdur("PROTOGATE_RETRY_MAX_INTERVAL", 0),

		HTTPAddress: getenv("PROTOGATE_HTTP_ADDRESS", d.HTTPAddress),
		RateRPS:     getfloat("PROTOGATE_RATE_RPS", d.RateRPS),
		RateBurst:   getint("PROTOGATE_RATE_BURST", d.RateBurst),
		JWTSecret:   getenv("PROTOGATE_JWT_SECRET", ""),

		MetricsEnabled: getbool("PROTOGATE_METRICS_ENABLED", false),
		MetricsPort:    getint("PROTOGATE_METRICS_PORT", 9090),
	}
	if topics := splitCSV(getenv("PROTOGATE_EVENT_TOPICS", "")); len(topics) > 0 {
		cfg.EventTopics = topics
	}
	cfg.CORSOrigins = splitCSV(getenv("PROTOGATE_CORS_ORIGINS", ""))
	if cfg.PubSubSystem == "gochannel" {
		cfg.PubSubSystem = "channel"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
