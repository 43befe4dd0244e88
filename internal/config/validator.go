package config

import (
	"fmt"
)

func ValidateStatic(cfg *Config) error {
	if cfg.Broker.Type == "" {
		cfg.Broker.Type = "kafka"
	}
	if cfg.Broker.Type != "kafka" {
		return fmt.Errorf("unsupported broker type: %s", cfg.Broker.Type)
	}
	if len(cfg.Broker.Kafka.Brokers) == 0 {
		return fmt.Errorf("broker.kafka.brokers must not be empty")
	}

	switch cfg.Processor.Mode {
	case "":
		cfg.Processor.Mode = "dual"
	case "row", "columnar", "dual":
	default:
		return fmt.Errorf("processor.mode must be one of row, columnar, dual; got %q", cfg.Processor.Mode)
	}

	if cfg.Processor.Mode != "columnar" && cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required when processor.mode includes row storage")
	}

	if cfg.Processor.Workers < 0 {
		return fmt.Errorf("processor.workers must not be negative")
	}
	if cfg.Processor.Workers == 0 {
		cfg.Processor.Workers = 1
	}

	if cfg.Batch.FlushIntervalMs < 0 || cfg.Batch.MaxQueueSize < 0 {
		return fmt.Errorf("batch settings must not be negative")
	}

	if cfg.Sandbox.FetchRPS < 0 {
		return fmt.Errorf("sandbox.fetch_rps must not be negative")
	}

	return nil
}
