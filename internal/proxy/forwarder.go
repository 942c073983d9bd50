package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// Forwarder 实现 server.ProxyHandler：按站点名定位 worker，并隔离 handler 内的 panic。
type Forwarder struct {
	handler *Handler
	workers *worker.Set
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，workers 中缺失的站点会返回 worker_missing。
func NewForwarder(handler *Handler, workers *worker.Set, logger *logrus.Logger) *Forwarder {
	if handler == nil {
		handler = NewHandler(logger)
	}
	return &Forwarder{
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	w := f.lookup(route)
	if w == nil {
		return f.respondMissingWorker(c, route, requestID)
	}
	return f.invokeHandler(c, route, w, requestID)
}

func (f *Forwarder) respondMissingWorker(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logWorkerError(route, "worker_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.SiteRoute, w *worker.Worker, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Serve(c, route, w)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logWorkerError(route, "worker_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logWorkerError(route *server.SiteRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.routeFields(route, requestID)
	fields["action"] = "proxy"
	entry := f.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(code)
}

func (f *Forwarder) lookup(route *server.SiteRoute) *worker.Worker {
	if route == nil {
		return nil
	}
	w, ok := f.workers.Get(route.Config.Name)
	if !ok {
		return nil
	}
	return w
}

func (f *Forwarder) routeFields(route *server.SiteRoute, requestID string) logrus.Fields {
	if route == nil {
		return logrus.Fields{
			"site":      "",
			"domain":    "",
			"auth_mode": "",
			"cache_hit": false,
		}
	}

	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		"",
		"",
		false,
	)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
