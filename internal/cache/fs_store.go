package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	partitionMarker = ".partition"
	metaSuffix      = ".meta"
	bodySuffix      = ".body"
)

// NewFileBackend 以 basePath 为根目录构建磁盘缓存，maxBytes<=0 表示不限配额。
// 磁盘布局：
//
//	<basePath>/<scope>/<partition>/.partition    # 分区元信息（创建时间）
//	<basePath>/<scope>/<partition>/<sha1>.meta   # 状态码、响应头、Key
//	<basePath>/<scope>/<partition>/<sha1>.body   # 实际正文
func NewFileBackend(basePath string, maxBytes int64) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	used, err := diskUsage(abs)
	if err != nil {
		return nil, fmt.Errorf("scan storage path: %w", err)
	}

	backend := &fileBackend{
		basePath: abs,
		maxBytes: maxBytes,
		locks:    make(map[string]*entryLock),
	}
	backend.used.Store(used)
	return backend, nil
}

// fileBackend 通过 entryLock 避免同一条目并发写入，配额在所有作用域之间共享。
type fileBackend struct {
	basePath string
	maxBytes int64
	used     atomic.Int64

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (b *fileBackend) Scope(name string) (Storage, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("scope %q: %w", name, err)
	}
	dir := filepath.Join(b.basePath, url.PathEscape(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scope dir: %w", err)
	}
	return &fileStorage{backend: b, dir: dir}, nil
}

func (b *fileBackend) Close() error {
	return nil
}

// reserve 在写入前预占配额，delta 可以为负数（覆盖写入更小的条目）。
func (b *fileBackend) reserve(delta int64) error {
	if delta <= 0 || b.maxBytes <= 0 {
		b.used.Add(delta)
		return nil
	}
	for {
		current := b.used.Load()
		if current+delta > b.maxBytes {
			return fmt.Errorf("%w: used=%d need=%d max=%d", ErrQuotaExceeded, current, delta, b.maxBytes)
		}
		if b.used.CompareAndSwap(current, current+delta) {
			return nil
		}
	}
}

func (b *fileBackend) lockEntry(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

type fileStorage struct {
	backend *fileBackend
	dir     string
}

type partitionInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *fileStorage) partitionDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("partition %q: %w", name, err)
	}
	return filepath.Join(s.dir, url.PathEscape(name)), nil
}

func (s *fileStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}

	unlock := s.backend.lockEntry(dir)
	defer unlock()

	markerPath := filepath.Join(dir, partitionMarker)
	if info, err := readPartitionInfo(markerPath); err == nil {
		return &filePartition{storage: s, name: name, dir: dir, createdAt: info.CreatedAt}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created := time.Now().UTC()
	payload, err := json.Marshal(partitionInfo{Name: name, CreatedAt: created})
	if err != nil {
		return nil, err
	}
	if err := s.backend.reserve(int64(len(payload))); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.backend.reserve(-int64(len(payload)))
		return nil, err
	}
	if err := writeFileAtomic(dir, markerPath, payload); err != nil {
		s.backend.reserve(-int64(len(payload)))
		return nil, err
	}
	return &filePartition{storage: s, name: name, dir: dir, createdAt: created}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, partitionMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	infos := make([]partitionInfo, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, d.Name(), partitionMarker))
		if err != nil {
			// 没有 marker 的目录是被删除分区的残留写入，不计入分区列表。
			continue
		}
		var info partitionInfo
		if err := json.Unmarshal(raw, &info); err != nil || info.Name == "" {
			continue
		}
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})

	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	unlock := s.backend.lockEntry(dir)
	defer unlock()

	freed, _ := diskUsage(dir)
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	s.backend.reserve(-freed)
	return true, nil
}

func (s *fileStorage) Match(ctx context.Context, key Key) (*Entry, error) {
	return matchInOrder(ctx, s, key)
}

// filePartition 记录打开时 marker 的创建时间，分区被删除或重建后旧句柄的写入会被拒绝。
type filePartition struct {
	storage   *fileStorage
	name      string
	dir       string
	createdAt time.Time
}

// checkAlive 必须在持有分区目录锁时调用。
func (p *filePartition) checkAlive() error {
	info, err := readPartitionInfo(filepath.Join(p.dir, partitionMarker))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("partition %s deleted: %w", p.name, ErrNotFound)
		}
		return err
	}
	if !info.CreatedAt.Equal(p.createdAt) {
		return fmt.Errorf("partition %s recreated: %w", p.name, ErrNotFound)
	}
	return nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) entryPaths(key Key) (string, string) {
	sum := sha1.Sum([]byte(key.String()))
	base := filepath.Join(p.dir, hex.EncodeToString(sum[:]))
	return base + metaSuffix, base + bodySuffix
}

func (p *filePartition) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metaPath, bodyPath := p.entryPaths(key)

	entry, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Body = body
	entry.Partition = p.name
	return entry, nil
}

func (p *filePartition) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	metaPath, bodyPath := p.entryPaths(entry.Key)

	// 与 fileStorage.Delete 共用分区目录锁，先确认分区仍是打开时的那一个。
	unlockDir := p.storage.backend.lockEntry(p.dir)
	defer unlockDir()
	if err := p.checkAlive(); err != nil {
		return err
	}

	unlock := p.storage.backend.lockEntry(metaPath)
	defer unlock()

	stored := *entry
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	meta, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	previous := fileSize(metaPath) + fileSize(bodyPath)
	delta := int64(len(meta)) + entry.SizeBytes() - previous
	if err := p.storage.backend.reserve(delta); err != nil {
		return err
	}

	// 先写正文再写 meta：meta 存在即代表条目完整提交。
	if err := writeFileAtomic(p.dir, bodyPath, entry.Body); err != nil {
		p.storage.backend.reserve(-delta)
		return err
	}
	if err := writeFileAtomic(p.dir, metaPath, meta); err != nil {
		p.storage.backend.reserve(-delta)
		return err
	}
	return nil
}

func (p *filePartition) Delete(ctx context.Context, key Key) (bool, error) {
	metaPath, bodyPath := p.entryPaths(key)

	unlock := p.storage.backend.lockEntry(metaPath)
	defer unlock()

	freed := fileSize(metaPath) + fileSize(bodyPath)
	if err := os.Remove(metaPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, err
	}
	p.storage.backend.reserve(-freed)
	return true, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	files, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]*Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), metaSuffix) {
			continue
		}
		entry, err := readMeta(filepath.Join(p.dir, f.Name()))
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

func readPartitionInfo(markerPath string) (partitionInfo, error) {
	var info partitionInfo
	raw, err := os.ReadFile(markerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return info, ErrNotFound
		}
		return info, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("decode partition marker: %w", err)
	}
	return info, nil
}

func readMeta(metaPath string) (*Entry, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", filepath.Base(metaPath), err)
	}
	return &entry, nil
}

// writeFileAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func writeFileAtomic(dir, target string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func diskUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
