package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisBackend 构建 redis 分区后端。布局：
//
//	<prefix>:<scope>:partitions         # ZSET，member=分区名，score=创建时间（纳秒）
//	<prefix>:<scope>:partition:<name>   # HASH，field=Key.String()，value=JSON 条目
func NewRedisBackend(client *redis.Client, prefix string) Backend {
	if client == nil {
		panic("redis client cannot be nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "offline-hub"
	}
	return &redisBackend{client: client, prefix: prefix}
}

type redisBackend struct {
	client *redis.Client
	prefix string
}

func (b *redisBackend) Scope(name string) (Storage, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("scope %q: %w", name, err)
	}
	return &redisStorage{client: b.client, base: b.prefix + ":" + name}, nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

type redisStorage struct {
	client *redis.Client
	base   string
}

// redisRecord 是 HASH 中保存的条目，正文随 JSON 以 base64 编码。
type redisRecord struct {
	Entry
	Body []byte `json:"body"`
}

func (s *redisStorage) indexKey() string {
	return s.base + ":partitions"
}

func (s *redisStorage) partitionKey(name string) string {
	return s.base + ":partition:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("partition %q: %w", name, err)
	}
	member := redis.Z{Score: float64(time.Now().UnixNano()), Member: name}
	if err := s.client.ZAddNX(ctx, s.indexKey(), member).Err(); err != nil {
		return nil, wrapRedisErr("zadd", err)
	}
	created, err := s.client.ZScore(ctx, s.indexKey(), name).Result()
	if err != nil {
		return nil, wrapRedisErr("zscore", err)
	}
	return &redisPartition{storage: s, name: name, key: s.partitionKey(name), created: created}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.client.ZScore(ctx, s.indexKey(), name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, wrapRedisErr("zscore", err)
	}
	return true, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapRedisErr("zrange", err)
	}
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.indexKey(), name)
		pipe.Del(ctx, s.partitionKey(name))
		return nil
	})
	if err != nil {
		return false, wrapRedisErr("delete partition", err)
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Match(ctx context.Context, key Key) (*Entry, error) {
	return matchInOrder(ctx, s, key)
}

// redisPartition 以索引 ZSET 中的 score 作为分区代际，Put 时校验代际未变。
type redisPartition struct {
	storage *redisStorage
	name    string
	key     string
	created float64
}

// maxPutAttempts 限制 WATCH 冲突后的重试次数。
const maxPutAttempts = 5

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, key Key) (*Entry, error) {
	raw, err := p.storage.client.HGet(ctx, p.key, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, wrapRedisErr("hget", err)
	}
	entry, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	entry.Partition = p.name
	return entry, nil
}

func (p *redisPartition) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}
	record := redisRecord{Entry: *entry, Body: entry.Body}
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	indexKey := p.storage.indexKey()
	put := func(tx *redis.Tx) error {
		score, err := tx.ZScore(ctx, indexKey, p.name).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("partition %s deleted: %w", p.name, ErrNotFound)
			}
			return wrapRedisErr("zscore", err)
		}
		if score != p.created {
			return fmt.Errorf("partition %s recreated: %w", p.name, ErrNotFound)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, p.key, entry.Key.String(), data)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		err = p.storage.client.Watch(ctx, put, indexKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return wrapRedisErr("hset", err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := p.storage.client.HDel(ctx, p.key, key.String()).Result()
	if err != nil {
		return false, wrapRedisErr("hdel", err)
	}
	return n > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]Key, error) {
	values, err := p.storage.client.HVals(ctx, p.key).Result()
	if err != nil {
		return nil, wrapRedisErr("hvals", err)
	}
	entries := make([]*Entry, 0, len(values))
	for _, raw := range values {
		entry, err := decodeRecord([]byte(raw))
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].Key.String() < entries[j].Key.String()
		}
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	keys := make([]Key, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

func decodeRecord(raw []byte) (*Entry, error) {
	var record redisRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	entry := record.Entry
	entry.Body = record.Body
	return &entry, nil
}

// wrapRedisErr 将 redis maxmemory 拒绝写入（OOM）映射为 ErrQuotaExceeded。
func wrapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("redis %s: %w: %v", op, ErrQuotaExceeded, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}
