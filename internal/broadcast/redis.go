package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	Client *redis.Client
	// Prefix namespaces channel and key names, e.g. "auction".
	Prefix string
	// Retain is how many recent messages are kept per auction. Zero keeps
	// none.
	Retain int64
}

// RedisPublisher mirrors auction messages to Redis pub/sub so that
// observers outside this process can follow an auction.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	retain int64
}

// NewRedisPublisher validates cfg and checks the connection.
func NewRedisPublisher(ctx context.Context, cfg *RedisConfig) (*RedisPublisher, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if err := cfg.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "auction"
	}
	return &RedisPublisher{client: cfg.Client, prefix: prefix, retain: cfg.Retain}, nil
}

// Channel returns the pub/sub channel carrying auctionID's messages.
func (p *RedisPublisher) Channel(auctionID string) string {
	return fmt.Sprintf("%s:%s:events", p.prefix, auctionID)
}

func (p *RedisPublisher) recentKey(auctionID string) string {
	return fmt.Sprintf("%s:%s:recent", p.prefix, auctionID)
}

// Publish sends msg as JSON on the auction's channel and appends it to the
// capped recent list.
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, p.Channel(msg.AuctionID), data)
		if p.retain > 0 {
			key := p.recentKey(msg.AuctionID)
			pipe.RPush(ctx, key, data)
			pipe.LTrim(ctx, key, -p.retain, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Recent returns the retained messages of auctionID, oldest first. Data
// is left as decoded JSON.
func (p *RedisPublisher) Recent(ctx context.Context, auctionID string) ([]Message, error) {
	raw, err := p.client.LRange(ctx, p.recentKey(auctionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recent messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decoding recent message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Drop removes retained messages of auctionID.
func (p *RedisPublisher) Drop(ctx context.Context, auctionID string) error {
	if err := p.client.Del(ctx, p.recentKey(auctionID)).Err(); err != nil {
		return fmt.Errorf("deleting recent messages: %w", err)
	}
	return nil
}
