package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type DispatcherConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	BatchSize      int `yaml:"batch_size"`
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffBaseMS  int `yaml:"backoff_base_ms"`
	BackoffCapMS   int `yaml:"backoff_cap_ms"`
}

func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

func (d DispatcherConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMS) * time.Millisecond
}

func (d DispatcherConfig) BackoffCap() time.Duration {
	return time.Duration(d.BackoffCapMS) * time.Millisecond
}

type CompensationConfig struct {
	PollIntervalMS       int `yaml:"poll_interval_ms"`
	BatchSize            int `yaml:"batch_size"`
	MaxAttempts          int `yaml:"max_attempts"`
	ReservationTimeoutMS int `yaml:"reservation_timeout_ms"`
}

func (c CompensationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c CompensationConfig) ReservationTimeout() time.Duration {
	return time.Duration(c.ReservationTimeoutMS) * time.Millisecond
}

type Config struct {
	HTTPAddr     string             `yaml:"http_addr"`
	MySQLDSN     string             `yaml:"mysql_dsn"`
	RedisAddr    string             `yaml:"redis_addr"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Compensation CompensationConfig `yaml:"compensation"`

	// SeedStock is applied at startup for products that do not yet have an
	// inventory row.
	SeedStock map[string]int `yaml:"seed_stock"`
}

func defaults() *Config {
	return &Config{
		HTTPAddr:  ":8080",
		MySQLDSN:  "root:root@tcp(localhost:3306)/orderpipeline?parseTime=true",
		RedisAddr: "localhost:6379",
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "order-events",
		},
		Dispatcher: DispatcherConfig{
			PollIntervalMS: 500,
			BatchSize:      100,
			MaxAttempts:    5,
			BackoffBaseMS:  100,
			BackoffCapMS:   5000,
		},
		Compensation: CompensationConfig{
			PollIntervalMS:       1000,
			BatchSize:            50,
			MaxAttempts:          5,
			ReservationTimeoutMS: 15 * 60 * 1000,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.MySQLDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	return cfg, nil
}
