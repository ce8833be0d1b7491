package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"sitecms/api/internal/document"
)

const maxTxRetries = 5

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps each section as a JSON string and announces every change
// on a pub/sub channel.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	indexKey string
	channel  string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:   client,
		prefix:   "content:",
		indexKey: "content-index",
		channel:  "content-changes",
	}
}

func (s *RedisStore) key(section string) string {
	return s.prefix + section
}

func (s *RedisStore) Read(ctx context.Context, path string) (any, bool, error) {
	segments, err := splitRequired(path)
	if err != nil {
		return nil, false, err
	}
	section, ok, err := s.readSection(ctx, s.client, segments[0])
	if err != nil || !ok {
		return nil, false, err
	}
	value, ok := document.GetPath(section, segments[1:])
	return value, ok, nil
}

func (s *RedisStore) ReadAll(ctx context.Context) (document.Snapshot, error) {
	sections, err := s.client.SMembers(ctx, s.indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	snapshot := make(document.Snapshot, len(sections))
	if len(sections) == 0 {
		return snapshot, nil
	}

	keys := make([]string, len(sections))
	for i, section := range sections {
		keys[i] = s.key(section)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read sections: %w", err)
	}
	for i, raw := range values {
		payload, ok := raw.(string)
		if !ok {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(payload), &value); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", sections[i], err)
		}
		snapshot[sections[i]] = value
	}
	return snapshot, nil
}

func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	segments, err := splitRequired(path)
	if err != nil {
		return err
	}
	section := segments[0]

	if len(segments) == 1 {
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal section %s: %w", section, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(section), payload, 0)
			pipe.SAdd(ctx, s.indexKey, section)
			return nil
		})
		if err != nil {
			return fmt.Errorf("write section %s: %w", section, err)
		}
		return s.publish(ctx, path)
	}

	err = s.update(ctx, section, func(current any) (any, error) {
		return document.SetPath(current, segments[1:], value)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return s.publish(ctx, path)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	segments, err := splitRequired(path)
	if err != nil {
		return err
	}
	section := segments[0]

	if len(segments) == 1 {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.key(section))
			pipe.SRem(ctx, s.indexKey, section)
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete section %s: %w", section, err)
		}
		return s.publish(ctx, path)
	}

	err = s.update(ctx, section, func(current any) (any, error) {
		return document.RemovePath(current, segments[1:])
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return s.publish(ctx, path)
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, onChange func(any)) (func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			if !affects(path, msg.Payload) {
				continue
			}
			value, err := s.readWatched(context.Background(), path)
			if err != nil {
				glog.Warningf("remote: reload %s after change to %s: %v", path, msg.Payload, err)
				continue
			}
			onChange(value)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) readWatched(ctx context.Context, path string) (any, error) {
	if strings.Trim(path, "/") == "" {
		snapshot, err := s.ReadAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any(snapshot), nil
	}
	value, _, err := s.Read(ctx, path)
	return value, err
}

// update runs a read-modify-write of one section under WATCH, retrying when
// another writer touched the section first.
func (s *RedisStore) update(ctx context.Context, section string, apply func(any) (any, error)) error {
	key := s.key(section)
	txf := func(tx *redis.Tx) error {
		current, _, err := s.readSection(ctx, tx, section)
		if err != nil {
			return err
		}
		next, err := apply(current)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal section %s: %w", section, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, s.indexKey, section)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update section %s: too many concurrent writers", section)
}

func (s *RedisStore) readSection(ctx context.Context, cmd stringGetter, section string) (any, bool, error) {
	payload, err := cmd.Get(ctx, s.key(section)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read section %s: %w", section, err)
	}
	var value any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return nil, false, fmt.Errorf("decode section %s: %w", section, err)
	}
	return value, true, nil
}

func (s *RedisStore) publish(ctx context.Context, path string) error {
	if err := s.client.Publish(ctx, s.channel, strings.Trim(path, "/")).Err(); err != nil {
		return fmt.Errorf("publish change %s: %w", path, err)
	}
	return nil
}
