package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	PriceCheck PriceCheckConfig `yaml:"price_check"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" | "mysql"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	PriceUpdatedTopicName string `yaml:"price_updated_topic_name"`
	CheckRequestedTopic   string `yaml:"check_requested_topic_name"`
	ConsumerGroup         string `yaml:"consumer_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type PriceCheckConfig struct {
	Enabled bool `yaml:"enabled"`

	QueueName string `yaml:"queue_name"`
	HTTPAddr  string `yaml:"http_addr"`

	StalenessMinutes        int `yaml:"staleness_minutes"`
	BatchSize               int `yaml:"batch_size"`
	InterBatchDelaySeconds  int `yaml:"inter_batch_delay_seconds"`
	ScheduleIntervalMinutes int `yaml:"schedule_interval_minutes"`
	ProductLeaseSeconds     int `yaml:"product_lease_seconds"` // -1 disables the lease

	Attempts              int `yaml:"attempts"`
	BackoffSeconds        int `yaml:"backoff_seconds"`
	Concurrency           int `yaml:"concurrency"`
	KeepCompleted         int `yaml:"keep_completed"`
	KeepFailed            int `yaml:"keep_failed"`
	JobTimeoutSeconds     int `yaml:"job_timeout_seconds"`
	LockDurationSeconds   int `yaml:"lock_duration_seconds"`
	StalledCheckSeconds   int `yaml:"stalled_check_seconds"`
	QueuePollMilliseconds int `yaml:"queue_poll_milliseconds"`

	ResultCacheTTLSeconds    int `yaml:"result_cache_ttl_seconds"`
	GatewayRateLimitPerMin   int `yaml:"gateway_rate_limit_per_minute"`
	GatewayWaitBudgetSeconds int `yaml:"gateway_wait_budget_seconds"`

	GatewayMode    string `yaml:"gateway_mode"` // "actor" | "microdata" | "fake"
	GatewayBaseURL string `yaml:"gateway_base_url"`
	GatewayActorID string `yaml:"gateway_actor_id"`
	GatewayToken   string `yaml:"gateway_token"`
	MicrodataPar   int    `yaml:"microdata_parallelism"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides the operational knobs from PRICE_CHECK_* environment variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup("PRICE_CHECK_ENABLED"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PRICE_CHECK_ENABLED: %w", err)
		}
		cfg.PriceCheck.Enabled = b
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PRICE_CHECK_STALENESS_MINUTES", &cfg.PriceCheck.StalenessMinutes},
		{"PRICE_CHECK_BATCH_SIZE", &cfg.PriceCheck.BatchSize},
		{"PRICE_CHECK_INTER_BATCH_DELAY_SECONDS", &cfg.PriceCheck.InterBatchDelaySeconds},
		{"PRICE_CHECK_ATTEMPTS", &cfg.PriceCheck.Attempts},
		{"PRICE_CHECK_CONCURRENCY", &cfg.PriceCheck.Concurrency},
		{"PRICE_CHECK_SCHEDULE_INTERVAL_MINUTES", &cfg.PriceCheck.ScheduleIntervalMinutes},
	}
	for _, it := range ints {
		v, ok := lookup(it.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", it.name, err)
		}
		*it.dst = n
	}

	if v, ok := lookup("PRICE_CHECK_GATEWAY_TOKEN"); ok {
		cfg.PriceCheck.GatewayToken = v
	}
	return nil
}
