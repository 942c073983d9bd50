package worker

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/offline-hub/offline-hub/internal/config"
)

func TestSkipWaitingActivatesInstalledWorker(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.worker.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}

	result, err := env.worker.PostMessage(ctx, Message{Type: MessageSkipWaiting})
	if err != nil {
		t.Fatalf("post message error: %v", err)
	}
	if result.State != "activated" || env.worker.State() != StateActivated {
		t.Fatalf("expected activation, got %+v", result)
	}

	// 已激活时再次发送为 no-op。
	result, err = env.worker.PostMessage(ctx, Message{Type: MessageSkipWaiting})
	if err != nil || result.State != "activated" {
		t.Fatalf("second SKIP_WAITING should be a no-op, got %+v %v", result, err)
	}
}

func TestSkipWaitingBeforeInstallIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	result, err := env.worker.PostMessage(context.Background(), Message{Type: MessageSkipWaiting})
	if err != nil {
		t.Fatalf("post message error: %v", err)
	}
	if result.State != "parsed" {
		t.Fatalf("expected parsed, got %s", result.State)
	}
}

func TestClearCacheDeletesAllPartitions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	ctx := context.Background()
	if _, err := env.storage.Open(ctx, "v1-runtime"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	result, err := env.worker.PostMessage(ctx, Message{Type: MessageClearCache})
	if err != nil {
		t.Fatalf("post message error: %v", err)
	}
	if len(result.Cleared) != 2 {
		t.Fatalf("expected two cleared partitions, got %v", result.Cleared)
	}
	names, _ := env.storage.Keys(ctx)
	if len(names) != 0 {
		t.Fatalf("all partitions should be gone, got %v", names)
	}
}

func TestUnknownMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.worker.PostMessage(context.Background(), Message{Type: "RELOAD"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestSyncOnlyHandlesMessagesTag(t *testing.T) {
	var tags []string
	site := testSite()
	fetcher := newFakeFetcher()
	env := newTestEnv(t, nil)
	w, err := New(Options{
		Site:    site,
		Storage: env.storage,
		Fetcher: fetcher,
		SyncHandler: func(ctx context.Context, tag string) error {
			tags = append(tags, tag)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	handled, err := w.Sync(context.Background(), "sync-photos")
	if err != nil || handled {
		t.Fatalf("unknown tag should be ignored, got %v %v", handled, err)
	}
	handled, err = w.Sync(context.Background(), SyncTagMessages)
	if err != nil || !handled {
		t.Fatalf("sync-messages should be handled, got %v %v", handled, err)
	}
	if !reflect.DeepEqual(tags, []string{SyncTagMessages}) {
		t.Fatalf("unexpected handler calls %v", tags)
	}
}

func TestPushBuildsNotification(t *testing.T) {
	env := newTestEnv(t, func(site *config.SiteConfig) {
		site.PathPrefix = "/portfolio/"
	})

	n, err := env.worker.Push(context.Background(), []byte(`{"title":"New post","body":"Read it","url":"/portfolio/blog/1"}`))
	if err != nil {
		t.Fatalf("push error: %v", err)
	}
	want := Notification{
		Title:   "New post",
		Body:    "Read it",
		Icon:    "/portfolio/icons/icon-192.png",
		Badge:   "/portfolio/icons/icon-192.png",
		Vibrate: []int{200, 100, 200},
		Data:    NotificationData{URL: "/portfolio/blog/1"},
	}
	if !reflect.DeepEqual(n, want) {
		t.Fatalf("unexpected notification %+v", n)
	}
	if len(env.notifier.shown) != 1 || env.notifier.shown[0].Title != "New post" {
		t.Fatalf("notifier should receive the notification, got %+v", env.notifier.shown)
	}
}

func TestPushRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.worker.Push(context.Background(), []byte("not-json")); err == nil {
		t.Fatalf("invalid payload should fail")
	}
	if len(env.notifier.shown) != 0 {
		t.Fatalf("nothing should be shown")
	}
}

func TestNotificationClickOpensWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	n := env.worker.BuildNotification(PushPayload{Title: "t", URL: "https://portfolio.example/blog/1"})
	if err := env.worker.NotificationClick(context.Background(), n); err != nil {
		t.Fatalf("click error: %v", err)
	}
	if !reflect.DeepEqual(env.clients.opened, []string{"https://portfolio.example/blog/1"}) {
		t.Fatalf("unexpected opened windows %v", env.clients.opened)
	}
}
