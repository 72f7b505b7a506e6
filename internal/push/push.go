// Package push delivers web-push notifications to users who have no open
// realtime connection. Delivery is strictly best-effort: failures are
// logged and swallowed, and subscriptions the push service reports gone
// are dropped.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"govorilka/internal/content"
	"govorilka/internal/models"
	"govorilka/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const previewLimit = 120

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

// Enabled reports whether VAPID keys are configured.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type Notifier struct {
	db  *storage.BboltStorage
	cfg Config
}

func NewNotifier(db *storage.BboltStorage, cfg Config) *Notifier {
	return &Notifier{db: db, cfg: cfg}
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

// Notify pushes a new-message notification to all of the user's
// subscriptions. Runs in the background; the caller never waits.
func (n *Notifier) Notify(userID string, msg models.Message) {
	if !n.cfg.Enabled() {
		return
	}
	go n.send(userID, msg)
}

func (n *Notifier) send(userID string, msg models.Message) {
	subs, err := n.db.ListPushSubscriptions(userID)
	if err != nil {
		slog.Warn("failed to list push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	preview := truncate(content.PlainText(msg.Content), previewLimit)
	if preview == "" && msg.Image != nil {
		preview = "Sent an image"
	}

	payload, err := json.Marshal(notification{
		Title: "New message",
		Body:  preview,
		Tag:   msg.SenderID,
	})
	if err != nil {
		slog.Warn("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		var s webpush.Subscription
		if err := json.Unmarshal(sub.Payload, &s); err != nil {
			slog.Warn("corrupt push subscription", "endpoint", sub.Endpoint, "error", err)
			continue
		}

		resp, err := webpush.SendNotification(payload, &s, &webpush.Options{
			Subscriber:      n.cfg.Subscriber,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
			TTL:             60,
		})
		if err != nil {
			slog.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			if err := n.db.DeletePushSubscription(sub.Endpoint); err != nil {
				slog.Warn("failed to drop stale push subscription", "endpoint", sub.Endpoint, "error", err)
			}
		}
		_ = resp.Body.Close()
	}
}
