package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"agentdeck/internal/models"

	"github.com/redis/go-redis/v9"
)

// streamClient is the subset of redis.Client the source depends on.
type streamClient interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisStreamSource polls a Redis Stream as an auxiliary durable event log.
//
// On its very first read it seeks to the stream's current tail ("$") instead
// of replaying history. A fleet stream can hold hours of backlog; replaying
// it on startup saturates any bounded downstream buffer and crowds out live
// events, so only rows appended after Stream is called are emitted.
type RedisStreamSource struct {
	client streamClient
	stream string
	block  time.Duration
}

// NewRedisStreamSource creates a source over the given stream key.
func NewRedisStreamSource(redisURL, stream string) (*RedisStreamSource, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 4
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second

	return &RedisStreamSource{
		client: redis.NewClient(opts),
		stream: stream,
		block:  2 * time.Second,
	}, nil
}

// Name implements EventSource.
func (s *RedisStreamSource) Name() string {
	return "redis:" + s.stream
}

// Available pings Redis with a short timeout. Any failure reports as not
// available.
func (s *RedisStreamSource) Available(ctx context.Context) bool {
	probe, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := s.client.Ping(probe).Err(); err != nil {
		log.Printf("⚠️ [SOURCE] %s not available: %v", s.Name(), err)
		return false
	}
	return true
}

// Stream reads the stream from its current tail until ctx is cancelled or
// the read fails. Each entry is expected to carry "type" and "data" fields.
func (s *RedisStreamSource) Stream(ctx context.Context) <-chan models.SourceEvent {
	out := make(chan models.SourceEvent)

	go func() {
		defer close(out)

		// "$" means "entries added after this read starts": the tail seek.
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			res, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{s.stream, lastID},
				Block:   s.block,
				Count:   64,
			}).Result()
			if err == redis.Nil {
				continue // block timeout, poll again
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("⚠️ [SOURCE] %s read failed, dropping source: %v", s.Name(), err)
				}
				return
			}

			for _, stream := range res {
				for _, entry := range stream.Messages {
					lastID = entry.ID
					ev, ok := s.convert(entry)
					if !ok {
						continue
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

// convert maps one stream entry onto a SourceEvent. Entries without a type
// or data field are skipped.
func (s *RedisStreamSource) convert(entry redis.XMessage) (models.SourceEvent, bool) {
	evType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	if evType == "" || data == "" {
		return models.SourceEvent{}, false
	}
	if !json.Valid([]byte(data)) {
		return models.SourceEvent{}, false
	}

	return models.SourceEvent{
		Source: s.Name(),
		Type:   evType,
		Data:   json.RawMessage(data),
	}, true
}

// Close releases the Redis connection.
func (s *RedisStreamSource) Close() error {
	return s.client.Close()
}
