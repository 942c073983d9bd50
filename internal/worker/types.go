package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
)

// RequestMode 对应浏览器 fetch 的 request.mode。
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// Request 是被拦截的一次请求，URL 必须为绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Mode   RequestMode
	Body   []byte
}

// NewRequest 解析绝对 URL 并构造 GET 请求默认值。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !parsed.IsAbs() {
		return nil, errors.New("request url must be absolute: " + rawURL)
	}
	parsed.Host = config.CanonicalHost(parsed.Scheme, parsed.Host)
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
		Mode:   ModeCORS,
	}, nil
}

// Key 返回请求在分区中的缓存键。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL.String())
}

// Source 标识响应的来源，写入 X-Offline-Hub-Source 及指标标签。
type Source string

const (
	SourceNetwork     Source = "network"
	SourcePrecache    Source = "precache"
	SourceRuntime     Source = "runtime"
	SourceCache       Source = "cache"
	SourceShell       Source = "shell"
	SourceOfflinePage Source = "offline_page"
	SourceSynthetic   Source = "synthetic"
	SourcePassthrough Source = "passthrough"
)

// Response 是策略返回给调用方的完整响应（正文已读入内存）。
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Opaque     bool
	Source     Source
}

// Fetcher 执行真实的网络请求。返回 error 表示传输层失败（连接、DNS、超时），
// 任何 HTTP 状态码（包括 4xx/5xx）都应作为正常响应返回。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 允许直接使用函数实现 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

var (
	// ErrNetwork 表示网络失败且缓存中没有可用回退。
	ErrNetwork = errors.New("network request failed")

	// ErrInvalidState 表示生命周期操作在当前状态下不允许执行。
	ErrInvalidState = errors.New("invalid lifecycle state")

	// ErrUnknownMessage 表示控制消息类型未被识别。
	ErrUnknownMessage = errors.New("unknown control message")
)

func entryToResponse(entry *cache.Entry, source Source) *Response {
	return &Response{
		Status:     entry.Status,
		StatusText: entry.StatusText,
		Header:     entry.Header.Clone(),
		Body:       entry.Body,
		Opaque:     entry.Opaque,
		Source:     source,
	}
}

func responseToEntry(req *Request, resp *Response) *cache.Entry {
	return &cache.Entry{
		Key:        req.Key(),
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), resp.Body...),
		Opaque:     resp.Opaque,
	}
}

func syntheticResponse(status int, message string) *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     header,
		Body:       []byte(message),
		Source:     SourceSynthetic,
	}
}
