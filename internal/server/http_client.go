package server

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/offline-hub/offline-hub/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// NewSiteClient 为单个站点构建 http.Client，Transport 只在这里创建一次并在该站点的全部请求间复用连接池。
// 发往 Upstream 主机的请求走站点 Proxy（若配置），其余请求（跨域资源）沿用环境代理。
func NewSiteClient(cfg *config.Config, route *SiteRoute) *http.Client {
	return &http.Client{
		Timeout:   upstreamTimeout(cfg),
		Transport: newSiteTransport(route),
	}
}

func upstreamTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		return cfg.Global.UpstreamTimeout.DurationValue()
	}
	return defaultUpstreamTimeout
}

func newSiteTransport(route *SiteRoute) *http.Transport {
	return &http.Transport{
		Proxy:                 siteProxy(route),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// siteProxy 仅对回源到 Upstream 的请求返回站点 Proxy。
func siteProxy(route *SiteRoute) func(*http.Request) (*url.URL, error) {
	if route == nil || route.ProxyURL == nil || route.UpstreamURL == nil {
		return http.ProxyFromEnvironment
	}
	proxyURL := route.ProxyURL
	upstreamHost := strings.ToLower(route.UpstreamURL.Host)
	return func(req *http.Request) (*url.URL, error) {
		if strings.ToLower(req.URL.Host) == upstreamHost {
			return proxyURL, nil
		}
		return http.ProxyFromEnvironment(req)
	}
}

// hopByHopHeaders 是 RFC 7230 §6.1 规定不得跨跳转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 复制 src 到 dst，跳过 hop-by-hop 头以及 Connection 头中点名的字段。
func CopyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if IsHopByHopHeader(canonical) {
			continue
		}
		if _, ok := named[canonical]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader 判断头部是否只对单跳连接有效。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(h http.Header) map[string]struct{} {
	values := h.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	named := map[string]struct{}{}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				named[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return named
}
