package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// UpstreamFetcher 为单个站点执行真实网络请求：同源请求改写到 Upstream 并附带凭证，
// 跨域请求除 hop-by-hop 头外原样发出；no-cors 请求会剥离 Cookie/Authorization 并标记为 opaque。
type UpstreamFetcher struct {
	client *http.Client
	route  *server.SiteRoute
	logger *logrus.Logger
}

// NewUpstreamFetcher 构造 Fetcher，client 应来自 server.NewSiteClient（站点 Proxy 由其 Transport 处理）。
func NewUpstreamFetcher(client *http.Client, route *server.SiteRoute, logger *logrus.Logger) *UpstreamFetcher {
	return &UpstreamFetcher{client: client, route: route, logger: logger}
}

var _ worker.Fetcher = (*UpstreamFetcher)(nil)

// Fetch implements worker.Fetcher。只有传输层失败会返回 error。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sameOrigin := config.OriginOf(req.URL) == f.route.Origin()

	resp, err := f.do(ctx, req, sameOrigin)
	if err != nil {
		return nil, err
	}
	if sameOrigin && shouldRetryAuth(f.route, resp.Status) {
		f.logAuthRetry(req, resp.Status)
		resp, err = f.do(ctx, req, sameOrigin)
		if err != nil {
			return nil, err
		}
	}
	resp.Opaque = req.Mode == worker.ModeNoCORS && !sameOrigin
	return resp, nil
}

func (f *UpstreamFetcher) do(ctx context.Context, req *worker.Request, sameOrigin bool) (*worker.Response, error) {
	upstreamReq, err := f.buildUpstreamRequest(ctx, req, sameOrigin)
	if err != nil {
		return nil, err
	}
	httpResp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	header := http.Header{}
	server.CopyHeaders(header, httpResp.Header)
	return &worker.Response{
		Status:     httpResp.StatusCode,
		StatusText: http.StatusText(httpResp.StatusCode),
		Header:     header,
		Body:       body,
	}, nil
}

func (f *UpstreamFetcher) buildUpstreamRequest(ctx context.Context, req *worker.Request, sameOrigin bool) (*http.Request, error) {
	target := req.URL
	if sameOrigin {
		target = resolveUpstreamURL(f.route.UpstreamURL, req.URL)
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = target.Host

	if req.Mode == worker.ModeNoCORS {
		upstreamReq.Header.Del("Cookie")
		upstreamReq.Header.Del("Authorization")
	}
	if !sameOrigin {
		return upstreamReq, nil
	}
	// 同源响应会被缓存，交由 Transport 协商并解压，保证存储的正文与头部一致。
	upstreamReq.Header.Del("Accept-Encoding")
	if authHeader := buildCredentialHeader(f.route.Config.Username, f.route.Config.Password); authHeader != "" {
		upstreamReq.Header.Set("Authorization", authHeader)
	}
	return upstreamReq, nil
}

func (f *UpstreamFetcher) logAuthRetry(req *worker.Request, status int) {
	if f.logger == nil {
		return
	}
	f.logger.WithFields(logrus.Fields{
		"action":          "fetch",
		"site":            f.route.Config.Name,
		"url":             req.URL.String(),
		"upstream_status": status,
		"auth_mode":       f.route.Config.AuthMode(),
	}).Warn("auth_retry")
}

// resolveUpstreamURL 将站点来源下的路径与查询串映射到 Upstream。
func resolveUpstreamURL(base, requested *url.URL) *url.URL {
	clean := path.Clean("/" + requested.Path)
	if requested.Path != "" && requested.Path[len(requested.Path)-1] == '/' && clean != "/" {
		clean += "/"
	}
	relative := &url.URL{Path: clean}
	if requested.RawQuery != "" {
		relative.RawQuery = requested.RawQuery
	}
	return base.ResolveReference(relative)
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

func shouldRetryAuth(route *server.SiteRoute, status int) bool {
	return route != nil && route.Config.HasCredentials() && isAuthFailure(status)
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusTooManyRequests
}
