package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Set 按站点名索引全部 Worker，供 HTTP 入口与控制接口共享。
type Set struct {
	ordered []*Worker
	byName  map[string]*Worker
}

// NewSet 构建 Set，站点名重复时返回错误。
func NewSet(workers ...*Worker) (*Set, error) {
	set := &Set{byName: make(map[string]*Worker, len(workers))}
	for _, w := range workers {
		if w == nil {
			continue
		}
		if _, exists := set.byName[w.Name()]; exists {
			return nil, fmt.Errorf("duplicate worker for site %s", w.Name())
		}
		set.byName[w.Name()] = w
		set.ordered = append(set.ordered, w)
	}
	return set, nil
}

// Get 按站点名查找 Worker。
func (s *Set) Get(name string) (*Worker, bool) {
	if s == nil {
		return nil, false
	}
	w, ok := s.byName[name]
	return w, ok
}

// List 按配置顺序返回全部 Worker。
func (s *Set) List() []*Worker {
	if s == nil {
		return nil
	}
	return append([]*Worker(nil), s.ordered...)
}

// StartAll 并行启动全部站点，站点之间互不阻塞；返回首个失败站点的错误。
func (s *Set) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, w := range s.List() {
		g.Go(func() error {
			return w.Start(ctx)
		})
	}
	return g.Wait()
}

// SettleAll 等待全部站点的后台写入完成。
func (s *Set) SettleAll() {
	for _, w := range s.List() {
		w.Settle()
	}
}
