package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// cacheFirst 先查预缓存，未命中回源；网络失败时回退到离线页或 503。
func (w *Worker) cacheFirst(ctx context.Context, req *Request) (*Response, error) {
	if entry, ok := w.lookup(ctx, req.Key(), w.manager.MatchPrecache); ok {
		return entryToResponse(entry, SourcePrecache), nil
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil {
		w.storeIfOK(ctx, req, resp)
		resp.Source = SourceNetwork
		return resp, nil
	}
	w.logNetworkFailure(req, ReasonStatic, err)

	if entry, ok := w.lookup(ctx, cache.NewKey(http.MethodGet, w.offlinePage.String()), w.manager.MatchPrecache); ok {
		return entryToResponse(entry, SourceOfflinePage), nil
	}
	return syntheticResponse(http.StatusServiceUnavailable, w.site.OfflineMessage), nil
}

// networkFirst 用于 API：回源成功即返回，失败时查询全部分区，仍未命中则返回 ErrNetwork。
func (w *Worker) networkFirst(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil {
		w.storeIfOK(ctx, req, resp)
		resp.Source = SourceNetwork
		return resp, nil
	}
	w.logNetworkFailure(req, ReasonAPI, err)

	if entry, ok := w.lookup(ctx, req.Key(), w.manager.MatchAll); ok {
		return entryToResponse(entry, w.manager.sourceForPartition(entry.Partition)), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
}

// navigate 与 networkFirst 相同，但最终回退链为 缓存 → 应用壳 → 离线页 → 503。
func (w *Worker) navigate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil {
		w.storeIfOK(ctx, req, resp)
		resp.Source = SourceNetwork
		return resp, nil
	}
	w.logNetworkFailure(req, ReasonNavigation, err)

	if entry, ok := w.lookup(ctx, req.Key(), w.manager.MatchAll); ok {
		return entryToResponse(entry, w.manager.sourceForPartition(entry.Partition)), nil
	}
	fallbacks := []struct {
		target *url.URL
		source Source
	}{
		{w.shellPage, SourceShell},
		{w.offlinePage, SourceOfflinePage},
	}
	for _, fb := range fallbacks {
		if entry, ok := w.lookup(ctx, cache.NewKey(http.MethodGet, fb.target.String()), w.manager.MatchPrecache); ok {
			return entryToResponse(entry, fb.source), nil
		}
	}
	return syntheticResponse(http.StatusServiceUnavailable, w.site.OfflineMessage), nil
}

// passthrough 直接回源，不读也不写缓存。
func (w *Worker) passthrough(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	resp.Source = SourcePassthrough
	return resp, nil
}

func (w *Worker) storeIfOK(ctx context.Context, req *Request, resp *Response) {
	if resp.Status != http.StatusOK {
		return
	}
	w.manager.storeInBackground(ctx, req, resp)
}

// lookup 将存储错误视为未命中：读取失败只记录日志，不影响回退链。
func (w *Worker) lookup(
	ctx context.Context,
	key cache.Key,
	match func(context.Context, cache.Key) (*cache.Entry, error),
) (*cache.Entry, bool) {
	entry, err := match(ctx, key)
	switch {
	case err == nil:
		return entry, true
	case errors.Is(err, cache.ErrNotFound):
		return nil, false
	default:
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_lookup",
			"site":   w.site.Name,
			"key":    key.String(),
		}).Warn("cache_get_failed")
		return nil, false
	}
}

func (w *Worker) logNetworkFailure(req *Request, route string, err error) {
	w.logger.WithError(err).WithFields(logrus.Fields{
		"action": "fetch",
		"site":   w.site.Name,
		"route":  route,
		"url":    req.URL.String(),
	}).Warn("network_failed")
}
