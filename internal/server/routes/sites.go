package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// RegisterSiteRoutes 暴露 /-/sites 控制接口，替代浏览器中的 postMessage / push / sync 通道。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, workers *worker.Set, logger *logrus.Logger) {
	if app == nil || registry == nil || workers == nil {
		return
	}
	ctl := &controller{registry: registry, workers: workers, logger: logger}

	app.Get("/-/sites", ctl.listSites)
	app.Get("/-/sites/:name/caches", ctl.withWorker(ctl.listCaches))
	app.Post("/-/sites/:name/messages", ctl.withWorker(ctl.postMessage))
	app.Post("/-/sites/:name/sync", ctl.withWorker(ctl.sync))
	app.Post("/-/sites/:name/push", ctl.withWorker(ctl.push))
	app.Post("/-/sites/:name/notificationclick", ctl.withWorker(ctl.notificationClick))
}

// RegisterMetricsRoute 通过 adaptor 挂载 promhttp，输出默认 Registry 中的全部指标。
func RegisterMetricsRoute(app *fiber.App) {
	if app == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type controller struct {
	registry *server.SiteRegistry
	workers  *worker.Set
	logger   *logrus.Logger
}

type sitePayload struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	Origin      string   `json:"origin"`
	PathPrefix  string   `json:"path_prefix"`
	Version     string   `json:"version"`
	State       string   `json:"state"`
	SkipWaiting bool     `json:"skip_waiting"`
	Precache    string   `json:"precache"`
	Runtime     string   `json:"runtime"`
	Partitions  []string `json:"partitions"`
	Error       string   `json:"error,omitempty"`
}

type partitionPayload struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func (ctl *controller) listSites(c fiber.Ctx) error {
	ctx := requestContext(c)
	routes := ctl.registry.List()
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		w, ok := ctl.workers.Get(route.Config.Name)
		if !ok {
			continue
		}
		result = append(result, encodeSite(ctx, w))
	}
	return c.JSON(fiber.Map{"sites": result})
}

func encodeSite(ctx context.Context, w *worker.Worker) sitePayload {
	site := w.Site()
	payload := sitePayload{
		Name:        site.Name,
		Domain:      site.Domain,
		Origin:      site.Origin,
		PathPrefix:  w.Scope().Path,
		Version:     site.Version,
		State:       w.State().String(),
		SkipWaiting: w.SkipWaitingRequested(),
		Precache:    w.Manager().PrecacheName(),
		Runtime:     w.Manager().RuntimeName(),
	}
	names, err := w.Manager().Storage().Keys(ctx)
	if err != nil {
		payload.Error = err.Error()
		return payload
	}
	payload.Partitions = names
	return payload
}

func (ctl *controller) withWorker(next func(fiber.Ctx, *worker.Worker) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "site_name_required"})
		}
		w, ok := ctl.workers.Get(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		return next(c, w)
	}
}

func (ctl *controller) listCaches(c fiber.Ctx, w *worker.Worker) error {
	ctx := requestContext(c)
	storage := w.Manager().Storage()
	names, err := storage.Keys(ctx)
	if err != nil {
		return ctl.fail(c, w, "list_partitions_failed", err)
	}
	partitions := make([]partitionPayload, 0, len(names))
	for _, name := range names {
		partition, err := storage.Open(ctx, name)
		if err != nil {
			return ctl.fail(c, w, "open_partition_failed", err)
		}
		keys, err := partition.Keys(ctx)
		if err != nil {
			return ctl.fail(c, w, "list_entries_failed", err)
		}
		entries := make([]string, len(keys))
		for i, key := range keys {
			entries[i] = key.String()
		}
		partitions = append(partitions, partitionPayload{Name: name, Entries: entries})
	}
	return c.JSON(fiber.Map{"site": w.Name(), "partitions": partitions})
}

func (ctl *controller) postMessage(c fiber.Ctx, w *worker.Worker) error {
	var msg worker.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil || msg.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
	}
	result, err := w.PostMessage(requestContext(c), msg)
	if err != nil {
		if errors.Is(err, worker.ErrUnknownMessage) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
		}
		return ctl.fail(c, w, "message_failed", err)
	}
	return c.JSON(result)
}

func (ctl *controller) sync(c fiber.Ctx, w *worker.Worker) error {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil || body.Tag == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_sync"})
	}
	handled, err := w.Sync(requestContext(c), body.Tag)
	if err != nil {
		return ctl.fail(c, w, "sync_failed", err)
	}
	return c.JSON(fiber.Map{"tag": body.Tag, "handled": handled})
}

func (ctl *controller) push(c fiber.Ctx, w *worker.Worker) error {
	notification, err := w.Push(requestContext(c), c.Body())
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		return ctl.fail(c, w, "push_failed", err)
	}
	return c.JSON(notification)
}

func (ctl *controller) notificationClick(c fiber.Ctx, w *worker.Worker) error {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil || body.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_notification"})
	}
	n := worker.Notification{Data: worker.NotificationData{URL: body.URL}}
	if err := w.NotificationClick(requestContext(c), n); err != nil {
		return ctl.fail(c, w, "open_window_failed", err)
	}
	return c.JSON(fiber.Map{"opened": body.URL})
}

func (ctl *controller) fail(c fiber.Ctx, w *worker.Worker, code string, err error) error {
	if ctl.logger != nil {
		ctl.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "control",
			"site":       w.Name(),
			"request_id": server.RequestID(c),
		}).Error(code)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
