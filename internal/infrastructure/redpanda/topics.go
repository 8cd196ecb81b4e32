// Package redpanda provides Kafka-compatible streaming with franz-go for the
// notification and dispensing event flows.
package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for the authorization engine.
const (
	// TopicAuthorizationEvents carries terminal workflow transitions for
	// downstream consumers (audit, reporting).
	TopicAuthorizationEvents = "authorization.events"
	// TopicNotificationsOutbound feeds the out-of-scope notification sender.
	TopicNotificationsOutbound = "notifications.outbound"
	// TopicDispenseScans carries QR payloads batch-forwarded by pharmacy
	// scanners for verification.
	TopicDispenseScans = "dispense.scans"
	// TopicDispenseResults carries verification outcomes back out.
	TopicDispenseResults = "dispense.results"
	// TopicDeadLetter receives undeliverable messages.
	TopicDeadLetter = "dead.letter"
)

// TopicConfig holds configuration for one topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic set the engine expects.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	retained := map[string]*string{
		"retention.ms":     ptr("2592000000"), // 30 days, the token expiry horizon
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}
	shortLived := map[string]*string{
		"retention.ms":     ptr("604800000"), // 7 days
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}

	return []TopicConfig{
		{Name: TopicAuthorizationEvents, Partitions: 6, ReplicationFactor: 1, Configs: retained},
		{Name: TopicNotificationsOutbound, Partitions: 6, ReplicationFactor: 1, Configs: shortLived},
		{Name: TopicDispenseScans, Partitions: 6, ReplicationFactor: 1, Configs: shortLived},
		{Name: TopicDispenseResults, Partitions: 6, ReplicationFactor: 1, Configs: retained},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Configs: retained},
	}
}

// EnsureTopics creates any missing topics. Existing topics are left alone.
func EnsureTopics(ctx context.Context, brokers []string, configs []TopicConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	existing, err := admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if _, err := admin.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		logger.Info("topic created",
			zap.String("topic", cfg.Name),
			zap.Int32("partitions", cfg.Partitions))
	}

	return nil
}
