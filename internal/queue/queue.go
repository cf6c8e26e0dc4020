// Package queue carries deposit workflow events over Kafka, or over
// line-delimited stdin/stdout for local runs and piping into other tools.
package queue

import (
	"crypto/tls"
	"errors"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
	// DriverNone discards everything. It is the default for the CLIs.
	DriverNone = "none"
)

const (
	EnvKafkaTLS = "DAILY_EARN_QUEUE_KAFKA_TLS"

	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

var ErrInvalidConfig = errors.New("queue: invalid config")

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverNone
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SplitCommaList parses a flag value such as "b1:9092, b2:9092".
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func kafkaTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

var kafkaDialTimeout = 10 * time.Second
