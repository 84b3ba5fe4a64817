// Package telemetry publishes completed-transfer summaries to a Redis
// pub/sub channel for anyone watching a fleet of transfers.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sjhobson/goxmodem"
)

// Sink publishes TransferStats to a Redis pub/sub channel.
type Sink struct {
	client *redis.Client
}

// New connects to the Redis server at addr and verifies it's reachable.
func New(addr, password string, db int) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}
	return &Sink{client: client}, nil
}

// summary is the wire shape published to the channel; Duration is rendered
// as milliseconds since json.Marshal has no native time.Duration support.
type summary struct {
	Mode       string `json:"mode"`
	Bytes      int64  `json:"bytes"`
	Blocks     int    `json:"blocks"`
	DurationMS int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
}

// encodeSummary renders stats as the JSON payload published to the channel.
// Split out from PublishTransferSummary so the wire shape can be tested
// without a Redis server.
func encodeSummary(stats xmodem.TransferStats) ([]byte, error) {
	return json.Marshal(summary{
		Mode:       stats.Mode.String(),
		Bytes:      stats.Bytes,
		Blocks:     stats.Blocks,
		DurationMS: stats.Duration.Milliseconds(),
		Success:    stats.Success,
	})
}

// PublishTransferSummary publishes stats to channel. It is meant to be
// called once, after Send or Receive returns — never mid-transfer.
func (s *Sink) PublishTransferSummary(ctx context.Context, channel string, stats xmodem.TransferStats) error {
	payload, err := encodeSummary(stats)
	if err != nil {
		return fmt.Errorf("telemetry: marshal summary: %w", err)
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("telemetry: publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *Sink) Close() error {
	return s.client.Close()
}
