package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/isrcache/internal/revalidate"
)

// RedisOptions 描述 Redis 后端的共享连接与键空间。
type RedisOptions struct {
	Client    redis.UniversalClient
	KeyPrefix string
	EntryTTL  time.Duration
}

// RedisStore 是自定义后端示例：条目以 JSON 存放在 <prefix>:entry:<key>，
// 标签失效时间存放在哈希 <prefix>:tags 中，标签语义与文件系统后端一致。
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	revalidated revalidate.TagSet
	now         func() time.Time
	logger      *logrus.Entry
}

// NewRedisFactory 返回可注册为自定义后端的工厂，每个请求共享同一连接。
func NewRedisFactory(opts RedisOptions) Factory {
	return func(hc HandlerContext) (Handler, error) {
		return NewRedisStore(opts, hc)
	}
}

// NewRedisStore 基于共享连接构造请求级的 Redis 后端。
func NewRedisStore(opts RedisOptions, hc HandlerContext) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "isrcache"
	}
	now := hc.Now
	if now == nil {
		now = time.Now
	}
	logger := hc.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisStore{
		client:      opts.Client,
		prefix:      prefix,
		ttl:         opts.EntryTTL,
		revalidated: hc.RevalidatedTags,
		now:         now,
		logger:      logger.WithField("backend", "redis"),
	}, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) ResetRequestCache() {}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + ":entry:" + key
}

func (s *RedisStore) tagsKey() string {
	return s.prefix + ":tags"
}

func (s *RedisStore) Get(ctx context.Context, key string, rc RequestContext) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache_redis_corrupt_entry")
		s.client.Del(ctx, s.entryKey(key))
		return nil, nil
	}
	if entry.Value == nil {
		return &entry, nil
	}

	var tags []string
	switch entry.Value.Kind {
	case KindPage, KindRoute:
		tags = entry.Value.CacheTags()
	case KindFetch:
		tags = append(rc.CombinedTags(), entry.Value.Tags...)
		if revalidate.ShouldBypassForRevalidatedTags(tags, s.revalidated) {
			return nil, nil
		}
	}
	stale, err := s.wasRevalidated(ctx, tags, entry.LastModified)
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, nil
	}
	return &entry, nil
}

func (s *RedisStore) wasRevalidated(ctx context.Context, tags []string, lastModified int64) (bool, error) {
	if len(tags) == 0 {
		return false, nil
	}
	values, err := s.client.HMGet(ctx, s.tagsKey(), tags...).Result()
	if err != nil {
		return false, fmt.Errorf("redis tags lookup: %w", err)
	}
	if lastModified == 0 {
		lastModified = s.now().UnixMilli()
	}
	for _, v := range values {
		text, ok := v.(string)
		if !ok {
			continue
		}
		at, err := strconv.ParseInt(text, 10, 64)
		if err == nil && at >= lastModified {
			return true, nil
		}
	}
	return false, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value *Value, rc RequestContext) error {
	stored := value
	if value != nil && value.Kind == KindFetch {
		copyValue := *value
		copyValue.Tags = unionTags(value.Tags, rc.Tags)
		stored = &copyValue
	}
	payload, err := json.Marshal(Entry{LastModified: s.now().UnixMilli(), Value: stored})
	if err != nil {
		return fmt.Errorf("redis set %s: encode: %w", key, err)
	}
	if err := s.client.Set(ctx, s.entryKey(key), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RevalidateTag(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	fields := make([]any, 0, len(tags)*2)
	for _, tag := range tags {
		fields = append(fields, tag, now)
	}
	if err := s.client.HSet(ctx, s.tagsKey(), fields...).Err(); err != nil {
		return fmt.Errorf("redis revalidate tags: %w", err)
	}
	return nil
}
