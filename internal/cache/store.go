package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Backend 按站点作用域分配 Storage，不同站点之间的分区互不可见。
type Backend interface {
	// Scope 返回指定站点的 Storage，多次调用返回等价实例。
	Scope(name string) (Storage, error)

	// Close 释放后端持有的连接等资源。
	Close() error
}

// Storage 对应单个站点的全部缓存分区。
type Storage interface {
	// Open 幂等地打开（不存在则创建）指定分区。仅在配额耗尽或后端故障时返回错误。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回全部分区名。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除分区及其全部条目，分区不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序在所有分区中查找条目，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)
}

// Partition 是一个命名的持久化键值存储，写入同一 Key 时后写覆盖先写。
type Partition interface {
	Name() string

	// Match 返回条目，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 写入条目；配额不足时返回 ErrQuotaExceeded。
	Put(ctx context.Context, entry *Entry) error

	// Delete 删除条目，条目不存在时返回 false。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 按写入时间返回分区内全部条目的 Key。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目（请求方法 + 绝对 URL）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 构造 Key，方法为空时视为 GET。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

// String 输出 "GET https://host/path" 形式，用于日志与存储字段名。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 表示一条缓存的响应。Opaque 条目来自跨域 no-cors 抓取，状态码不可作为判断依据。
type Entry struct {
	Key        Key         `json:"key"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"-"`
	Opaque     bool        `json:"opaque,omitempty"`
	StoredAt   time.Time   `json:"stored_at"`

	// Partition 是命中该条目的分区名，仅在 Match 返回时填充。
	Partition string `json:"-"`
}

// Clone 返回深拷贝，调用方可安全修改 Header/Body。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Header = e.Header.Clone()
	cloned.Body = append([]byte(nil), e.Body...)
	return &cloned
}

// SizeBytes 返回正文字节数。
func (e *Entry) SizeBytes() int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Body))
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrQuotaExceeded 表示存储配额耗尽，写入或创建分区被拒绝。
	ErrQuotaExceeded = errors.New("cache storage quota exceeded")

	// ErrInvalidName 表示分区或作用域名称不合法。
	ErrInvalidName = errors.New("invalid cache name")
)

// matchInOrder 供各后端复用：按 Keys 顺序逐个分区查找。
func matchInOrder(ctx context.Context, s Storage, key Key) (*Entry, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		partition, err := s.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		entry, err := partition.Match(ctx, key)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." || trimmed != name {
		return ErrInvalidName
	}
	return nil
}
