// Package push sends web push notifications to the operator's browsers.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/tariel-x/curocall/internal/config"
	"github.com/tariel-x/curocall/internal/journal"
)

// Store holds the subscriptions to deliver to.
type Store interface {
	Subscriptions(ctx context.Context) ([]journal.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

type Notifier struct {
	store  Store
	keys   config.VAPIDKeys
	logger *slog.Logger
	ttl    int
}

func NewNotifier(store Store, keys config.VAPIDKeys, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	// The push library adds the mailto scheme itself.
	keys.Subject = strings.TrimPrefix(keys.Subject, "mailto:")
	return &Notifier{store: store, keys: keys, logger: logger, ttl: 30}
}

func (n *Notifier) PublicKey() string {
	return n.keys.PublicKey
}

// Notify delivers the notification to every subscription. Subscriptions the
// push service reports as gone are deleted. It returns the number of
// successful deliveries.
func (n *Notifier) Notify(ctx context.Context, msg Notification) (int, error) {
	subs, err := n.store.Subscriptions(ctx)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode notification: %w", err)
	}

	sent := 0
	for _, sub := range subs {
		if sub.P256DH == "" || sub.Auth == "" {
			n.logger.Warn("dropping push subscription without keys", "endpoint", sub.Endpoint)
			n.delete(ctx, sub.Endpoint)
			continue
		}

		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: strings.TrimSpace(sub.P256DH),
				Auth:   strings.TrimSpace(sub.Auth),
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             n.ttl,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			n.logger.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			n.logger.Info("push subscription expired", "endpoint", sub.Endpoint, "status", resp.StatusCode)
			n.delete(ctx, sub.Endpoint)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			sent++
		default:
			n.logger.Warn("push service refused notification", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		}
	}
	return sent, nil
}

func (n *Notifier) delete(ctx context.Context, endpoint string) {
	if err := n.store.DeleteSubscription(ctx, endpoint); err != nil && !errors.Is(err, journal.ErrNotFound) {
		n.logger.Warn("failed to delete push subscription", "endpoint", endpoint, "error", err)
	}
}
