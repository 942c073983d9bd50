package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// CacheWriteEvent 描述一次后台写入的结果，供 Options.OnCacheWrite 观察。
type CacheWriteEvent struct {
	Site      string
	Partition string
	Key       cache.Key
	Err       error
}

// PopulateReport 汇总一次 manifest 预缓存的结果。
type PopulateReport struct {
	Stored []string
	Failed map[string]error
}

// Manager 持有站点的分区存储，负责 precache/runtime 的打开、填充、清理与后台写入。
type Manager struct {
	site         string
	origin       string
	storage      cache.Storage
	fetcher      Fetcher
	logger       *logrus.Logger
	precacheName string
	runtimeName  string
	concurrency  int
	onWrite      func(CacheWriteEvent)

	writes sync.WaitGroup
}

type managerOptions struct {
	site         config.SiteConfig
	storage      cache.Storage
	fetcher      Fetcher
	logger       *logrus.Logger
	concurrency  int
	onCacheWrite func(CacheWriteEvent)
}

func newManager(opts managerOptions) *Manager {
	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		site:         opts.site.Name,
		origin:       config.OriginOf(mustParseURL(opts.site.Origin)),
		storage:      opts.storage,
		fetcher:      opts.fetcher,
		logger:       opts.logger,
		precacheName: opts.site.PrecacheName(),
		runtimeName:  opts.site.RuntimeName(),
		concurrency:  concurrency,
		onWrite:      opts.onCacheWrite,
	}
}

// PrecacheName 返回当前版本的预缓存分区名。
func (m *Manager) PrecacheName() string { return m.precacheName }

// RuntimeName 返回当前版本的运行时分区名。
func (m *Manager) RuntimeName() string { return m.runtimeName }

// Storage 暴露底层分区存储，供控制接口列出分区内容。
func (m *Manager) Storage() cache.Storage { return m.storage }

// Open 幂等地打开分区。
func (m *Manager) Open(ctx context.Context, name string) (cache.Partition, error) {
	return m.storage.Open(ctx, name)
}

// Populate 并发抓取 manifest 并写入分区。单个条目失败只记录日志，不影响整体结果。
func (m *Manager) Populate(ctx context.Context, partition cache.Partition, manifest []*url.URL) PopulateReport {
	report := PopulateReport{Failed: map[string]error{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, target := range manifest {
		g.Go(func() error {
			err := m.precacheOne(ctx, partition, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[target.String()] = err
				metrics.PrecacheFailures.WithLabelValues(m.site).Inc()
				m.logger.WithError(err).WithFields(logrus.Fields{
					"action":    "install",
					"site":      m.site,
					"partition": partition.Name(),
					"url":       target.String(),
				}).Warn("precache_entry_failed")
				return nil
			}
			report.Stored = append(report.Stored, target.String())
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (m *Manager) precacheOne(ctx context.Context, partition cache.Partition, target *url.URL) error {
	req := &Request{
		Method: http.MethodGet,
		URL:    target,
		Header: http.Header{},
		Mode:   ModeSameOrigin,
	}
	crossOrigin := config.OriginOf(target) != m.origin
	if crossOrigin {
		req.Mode = ModeNoCORS
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if crossOrigin {
		resp.Opaque = true
	} else if resp.Status != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return partition.Put(ctx, responseToEntry(req, resp))
}

// PurgeStale 删除 keep 之外的全部分区，并行执行。删除失败会被记录并合并到返回的 error，
// 调用方（activate）不应因此中止。
func (m *Manager) PurgeStale(ctx context.Context, keep ...string) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	kept := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		kept[name] = struct{}{}
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		deleted = make([]bool, len(names))
		errs    []error
	)
	g.SetLimit(m.concurrency)
	for i, name := range names {
		if _, ok := kept[name]; ok {
			continue
		}
		g.Go(func() error {
			removed, err := m.storage.Delete(ctx, name)
			if err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"action":    "purge",
					"site":      m.site,
					"partition": name,
				}).Warn("partition_delete_failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			deleted[i] = removed
			return nil
		})
	}
	_ = g.Wait()

	result := make([]string, 0, len(names))
	for i, name := range names {
		if deleted[i] {
			result = append(result, name)
		}
	}
	return result, errors.Join(errs...)
}

// ClearAll 删除站点的全部分区。
func (m *Manager) ClearAll(ctx context.Context) ([]string, error) {
	return m.PurgeStale(ctx)
}

// MatchPrecache 只在当前版本的预缓存中查找，分区不存在时视为未命中。
func (m *Manager) MatchPrecache(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	exists, err := m.storage.Has(ctx, m.precacheName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, cache.ErrNotFound
	}
	partition, err := m.storage.Open(ctx, m.precacheName)
	if err != nil {
		return nil, err
	}
	return partition.Match(ctx, key)
}

// MatchAll 按分区创建顺序查找任意分区中的条目。
func (m *Manager) MatchAll(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	return m.storage.Match(ctx, key)
}

// StoreRuntime 同步写入运行时分区。
func (m *Manager) StoreRuntime(ctx context.Context, entry *cache.Entry) error {
	partition, err := m.storage.Open(ctx, m.runtimeName)
	if err != nil {
		return fmt.Errorf("open runtime partition: %w", err)
	}
	return partition.Put(ctx, entry)
}

// storeInBackground 复制响应后异步写入运行时分区，写入结果不影响调用方。
func (m *Manager) storeInBackground(ctx context.Context, req *Request, resp *Response) {
	entry := responseToEntry(req, resp)
	ctx = context.WithoutCancel(ctx)

	m.writes.Add(1)
	go func() {
		defer m.writes.Done()
		err := m.StoreRuntime(ctx, entry)
		m.recordWrite(entry.Key, err)
	}()
}

func (m *Manager) recordWrite(key cache.Key, err error) {
	fields := logrus.Fields{
		"action":    "cache_write",
		"site":      m.site,
		"partition": m.runtimeName,
		"key":       key.String(),
	}
	if err != nil {
		metrics.CacheWrites.WithLabelValues(m.site, "error").Inc()
		m.logger.WithError(err).WithFields(fields).Warn("cache_write_failed")
	} else {
		metrics.CacheWrites.WithLabelValues(m.site, "ok").Inc()
		m.logger.WithFields(fields).Debug("cache_write_complete")
	}
	if m.onWrite != nil {
		m.onWrite(CacheWriteEvent{Site: m.site, Partition: m.runtimeName, Key: key, Err: err})
	}
}

// Settle 阻塞直到此前发起的全部后台写入完成。
func (m *Manager) Settle() {
	m.writes.Wait()
}

// sourceForPartition 根据命中分区推断响应来源。
func (m *Manager) sourceForPartition(name string) Source {
	switch name {
	case m.precacheName:
		return SourcePrecache
	case m.runtimeName:
		return SourceRuntime
	default:
		return SourceCache
	}
}

func mustParseURL(raw string) *url.URL {
	parsed, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}
