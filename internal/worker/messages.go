package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/metrics"
)

// 控制消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

// SyncTagMessages 是唯一被处理的后台同步标签。
const SyncTagMessages = "sync-messages"

// Message 是发往 worker 的控制消息。
type Message struct {
	Type string `json:"type"`
}

// MessageResult 描述控制消息的处理结果。
type MessageResult struct {
	Type    string   `json:"type"`
	State   string   `json:"state"`
	Cleared []string `json:"cleared,omitempty"`
}

// PostMessage 处理控制消息：SKIP_WAITING 在 installed 时立即激活，否则忽略；
// CLEAR_CACHE 删除全部分区。
func (w *Worker) PostMessage(ctx context.Context, msg Message) (MessageResult, error) {
	result := MessageResult{Type: msg.Type}
	switch msg.Type {
	case MessageSkipWaiting:
		if w.State() == StateInstalled {
			if err := w.Activate(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
				return result, err
			}
		}
	case MessageClearCache:
		cleared, err := w.manager.ClearAll(ctx)
		result.Cleared = cleared
		if len(cleared) > 0 {
			metrics.PartitionsPurged.WithLabelValues(w.site.Name, "clear").Add(float64(len(cleared)))
		}
		w.logger.WithFields(logrus.Fields{
			"action":  "message",
			"site":    w.site.Name,
			"cleared": cleared,
		}).Info("cache_cleared")
		if err != nil {
			result.State = w.State().String()
			return result, err
		}
	default:
		return result, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	result.State = w.State().String()
	return result, nil
}

// SyncHandler 处理后台同步事件。
type SyncHandler func(ctx context.Context, tag string) error

// Sync 仅转发 sync-messages 标签，其余标签被忽略并返回 false。
func (w *Worker) Sync(ctx context.Context, tag string) (bool, error) {
	if tag != SyncTagMessages {
		return false, nil
	}
	if err := w.syncHandler(ctx, tag); err != nil {
		return true, fmt.Errorf("sync %s: %w", tag, err)
	}
	return true, nil
}

func logSyncHandler(logger *logrus.Logger, site string) SyncHandler {
	return func(ctx context.Context, tag string) error {
		logger.WithFields(logrus.Fields{"action": "sync", "site": site, "tag": tag}).Info("sync_messages")
		return nil
	}
}

// PushPayload 是推送消息正文。
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Notification 是推送生成的系统通知。
type Notification struct {
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon"`
	Badge   string           `json:"badge"`
	Vibrate []int            `json:"vibrate"`
	Data    NotificationData `json:"data"`
}

// NotificationData 携带点击通知后打开的地址。
type NotificationData struct {
	URL string `json:"url"`
}

// Notifier 负责展示通知。
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Clients 抽象 worker 控制的客户端集合。
type Clients interface {
	Claim(ctx context.Context) error
	OpenWindow(ctx context.Context, url string) error
}

// Push 解析 JSON 推送正文并交给 Notifier 展示。
func (w *Worker) Push(ctx context.Context, raw []byte) (Notification, error) {
	var payload PushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Notification{}, fmt.Errorf("decode push payload: %w", err)
	}
	n := w.BuildNotification(payload)
	if err := w.notifier.Show(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

// BuildNotification 按站点前缀填充图标与震动模式。
func (w *Worker) BuildNotification(payload PushPayload) Notification {
	icon := strings.TrimSuffix(w.scope.Path, "/") + "/icons/icon-192.png"
	return Notification{
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    icon,
		Badge:   icon,
		Vibrate: []int{200, 100, 200},
		Data:    NotificationData{URL: payload.URL},
	}
}

// NotificationClick 打开通知携带的地址。
func (w *Worker) NotificationClick(ctx context.Context, n Notification) error {
	return w.clients.OpenWindow(ctx, n.Data.URL)
}

type logNotifier struct {
	logger *logrus.Logger
	site   string
}

func (n logNotifier) Show(ctx context.Context, notification Notification) error {
	n.logger.WithFields(logrus.Fields{
		"action": "push",
		"site":   n.site,
		"title":  notification.Title,
		"url":    notification.Data.URL,
	}).Info("notification_shown")
	return nil
}

type logClients struct {
	logger *logrus.Logger
	site   string
}

func (c logClients) Claim(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{"action": "activate", "site": c.site}).Debug("clients_claimed")
	return nil
}

func (c logClients) OpenWindow(ctx context.Context, url string) error {
	c.logger.WithFields(logrus.Fields{"action": "notificationclick", "site": c.site, "url": url}).Info("open_window")
	return nil
}
