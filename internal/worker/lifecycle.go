package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// State 是 worker 生命周期阶段。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SkipWaitingRequested 表示 install 是否已请求跳过等待。
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

func (w *Worker) setStateLocked(s State) {
	w.state = s
	metrics.LifecycleState.WithLabelValues(w.site.Name).Set(float64(s))
}

func (w *Worker) lifecycleFields(action string) logrus.Fields {
	fields := logging.SiteFields(w.site.Name, w.site.Version, w.state.String())
	fields["action"] = action
	return fields
}

// Install 打开预缓存分区并填充 manifest。打开失败为致命错误（worker 变为 redundant），
// 单个条目失败仅记录日志。已激活的 worker 再次 install 会原地刷新预缓存。
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	prev := w.state
	switch prev {
	case StateInstalling, StateActivating:
		w.mu.Unlock()
		return fmt.Errorf("%w: install while %s", ErrInvalidState, prev)
	case StateActivated:
	default:
		w.setStateLocked(StateInstalling)
	}
	w.mu.Unlock()

	partition, err := w.manager.Open(ctx, w.manager.PrecacheName())
	if err != nil {
		w.mu.Lock()
		if prev != StateActivated {
			w.setStateLocked(StateRedundant)
		}
		fields := w.lifecycleFields("install")
		w.mu.Unlock()
		w.logger.WithError(err).WithFields(fields).Error("install_failed")
		return fmt.Errorf("open precache %s: %w", w.manager.PrecacheName(), err)
	}

	report := w.manager.Populate(ctx, partition, w.manifest)
	metrics.PrecacheEntries.WithLabelValues(w.site.Name).Set(float64(len(report.Stored)))

	w.mu.Lock()
	if prev != StateActivated {
		w.setStateLocked(StateInstalled)
	}
	w.skipWaiting = true
	fields := w.lifecycleFields("install")
	w.mu.Unlock()

	fields["partition"] = partition.Name()
	fields["stored"] = len(report.Stored)
	fields["failed"] = len(report.Failed)
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

// Activate 清理旧版本分区后接管客户端，仅允许在 installed 状态调用。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateInstalled {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: activate while %s", ErrInvalidState, state)
	}
	w.setStateLocked(StateActivating)
	w.mu.Unlock()

	purged, err := w.manager.PurgeStale(ctx, w.manager.PrecacheName(), w.manager.RuntimeName())
	if len(purged) > 0 {
		metrics.PartitionsPurged.WithLabelValues(w.site.Name, "stale").Add(float64(len(purged)))
	}
	if err != nil {
		w.logger.WithError(err).WithFields(w.lockedFields("activate")).Warn("purge_incomplete")
	}

	if err := w.clients.Claim(ctx); err != nil {
		w.logger.WithError(err).WithFields(w.lockedFields("activate")).Warn("clients_claim_failed")
	}

	w.mu.Lock()
	w.setStateLocked(StateActivated)
	fields := w.lifecycleFields("activate")
	w.mu.Unlock()

	fields["purged"] = purged
	w.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Start 以指数退避重试 install，成功且请求了 skip-waiting 时立即 activate。
func (w *Worker) Start(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.initialBackoff

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := w.Install(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrInvalidState) {
			return struct{}{}, backoff.Permanent(err)
		}
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "install",
			"site":    w.site.Name,
			"attempt": attempt,
		}).Warn("install_retry")
		return struct{}{}, err
	}

	tries := uint(1)
	if w.maxRetries > 0 {
		tries += uint(w.maxRetries)
	}
	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(tries)); err != nil {
		return fmt.Errorf("install site %s: %w", w.site.Name, err)
	}

	if w.SkipWaitingRequested() && w.State() == StateInstalled {
		return w.Activate(ctx)
	}
	return nil
}

func (w *Worker) lockedFields(action string) logrus.Fields {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lifecycleFields(action)
}
