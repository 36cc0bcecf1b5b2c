package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisPublishDeliversToSubscriber(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "audit:done")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n, err := NewRedisNotifier(client, RedisConfig{Channel: "audit:done", Retries: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := n.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	var got AuditCompletedEvent
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.AuditRunID != "run-001" || got.Status != "completed" {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.ContractVersion != ContractVersion {
		t.Fatalf("contract version: %s", got.ContractVersion)
	}
}

func TestRedisDefaultChannel(t *testing.T) {
	n, err := NewRedisNotifier(newTestRedis(t), RedisConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n.config.Channel != DefaultChannel {
		t.Fatalf("expected default channel, got %s", n.config.Channel)
	}
}

func TestRedisRejectsNegativeRetries(t *testing.T) {
	if _, err := NewRedisNotifier(newTestRedis(t), RedisConfig{Retries: -1}); err == nil {
		t.Fatal("expected error for negative retries")
	}
}
