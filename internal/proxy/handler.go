package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// Handler 将 Fiber 请求转换为 worker.Request，交给站点 worker 决策后写回响应。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs the Fiber adapter for site workers.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{logger: logger}
}

// Serve 执行一次拦截：构建请求 → worker.Handle → 写回响应并输出结构化日志。
func (h *Handler) Serve(c fiber.Ctx, route *server.SiteRoute, w *worker.Worker) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildWorkerRequest(c, route)
	if err != nil {
		h.logResult(route, requestID, "", worker.Decision{}, nil, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, decision, err := w.Handle(c.Context(), req)
	h.logResult(route, requestID, req.URL.String(), decision, resp, started, err)
	if err != nil {
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		if errors.Is(err, worker.ErrNetwork) {
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		return h.writeError(c, fiber.StatusInternalServerError, "worker_failed")
	}
	return writeResponse(c, resp, requestID)
}

func writeResponse(c fiber.Ctx, resp *worker.Response, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offline-Hub-Source", string(resp.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	status := resp.Status
	if status == 0 {
		// opaque 响应没有可用状态码，对调用方按 200 返回正文。
		status = fiber.StatusOK
	}
	c.Status(status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	requestID string,
	target string,
	decision worker.Decision,
	resp *worker.Response,
	started time.Time,
	err error,
) {
	source := ""
	status := 0
	if resp != nil {
		source = string(resp.Source)
		status = resp.Status
	}
	cacheHit := source != "" && source != string(worker.SourceNetwork) && source != string(worker.SourcePassthrough)
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		decision.Reason,
		source,
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["url"] = target
	fields["strategy"] = string(decision.Strategy)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildWorkerRequest 根据请求行与头部构造被拦截请求。
func buildWorkerRequest(c fiber.Ctx, route *server.SiteRoute) (*worker.Request, error) {
	target, err := requestURL(route, string(c.Request().Header.RequestURI()))
	if err != nil {
		return nil, err
	}
	header := fiberHeadersAsHTTP(c)
	// 跨域请求由路由直接放行，不附加网关自身的转发头。
	if config.OriginOf(target) == route.Origin() {
		addForwardedHeaders(header, c, route)
	}

	req := &worker.Request{
		Method: c.Method(),
		URL:    target,
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
	}
	req.Mode = requestMode(req.Method, header)
	return req, nil
}

// requestURL 将请求行映射为绝对 URL：absolute-form 保留自身来源，其余以站点 Origin 为基准。
func requestURL(route *server.SiteRoute, rawURI string) (*url.URL, error) {
	if rawURI == "" {
		rawURI = "/"
	}
	lower := strings.ToLower(rawURI)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		parsed, err := url.Parse(rawURI)
		if err != nil {
			return nil, fmt.Errorf("parse request uri: %w", err)
		}
		parsed.Host = config.CanonicalHost(parsed.Scheme, parsed.Host)
		return parsed, nil
	}
	ref, err := url.ParseRequestURI(rawURI)
	if err != nil {
		return nil, fmt.Errorf("parse request uri: %w", err)
	}
	return &url.URL{
		Scheme:   route.OriginURL.Scheme,
		Host:     config.CanonicalHost(route.OriginURL.Scheme, route.OriginURL.Host),
		Path:     ref.Path,
		RawPath:  ref.RawPath,
		RawQuery: ref.RawQuery,
	}, nil
}

// requestMode 优先使用 Sec-Fetch-Mode；缺失时 Accept 含 text/html 的 GET 视为导航。
func requestMode(method string, header http.Header) worker.RequestMode {
	switch strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))) {
	case "navigate":
		return worker.ModeNavigate
	case "no-cors":
		return worker.ModeNoCORS
	case "cors":
		return worker.ModeCORS
	case "same-origin":
		return worker.ModeSameOrigin
	}
	if method == http.MethodGet && strings.Contains(header.Get("Accept"), "text/html") {
		return worker.ModeNavigate
	}
	return worker.ModeSameOrigin
}

func addForwardedHeaders(header http.Header, c fiber.Ctx, route *server.SiteRoute) {
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 与 Content-Length（由 fasthttp 根据正文重新计算）。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
