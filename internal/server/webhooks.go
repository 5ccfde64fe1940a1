package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"tributary/internal/config"
	"tributary/internal/domain"
	"tributary/internal/logging"
	"tributary/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	webhookBatch           = 100
)

// WebhookNotifier tails the audit log and POSTs matching events to
// subscribed URLs, typically approval.requested to a reviewers' channel.
// Each subscription keeps its own cursor in memory, starting at the newest
// event seen on its first pass, so delivery is at most once per process.
type WebhookNotifier struct {
	Repo     repo.Repo
	Interval time.Duration
	Logger   *zap.Logger

	subs []*subscription
}

type subscription struct {
	url     string
	secret  string
	events  []string
	client  *http.Client
	cursor  string
	started bool
}

func (s *subscription) wants(evtType string) bool {
	return len(s.events) == 0 || slices.Contains(s.events, evtType)
}

func NewWebhookNotifier(r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	n := &WebhookNotifier{Repo: r, Interval: defaultWebhookInterval, Logger: logging.OrNop(logger)}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled || strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		var events []string
		for _, e := range h.Events {
			if e = strings.TrimSpace(e); e != "" {
				events = append(events, e)
			}
		}
		n.subs = append(n.subs, &subscription{
			url:    h.URL,
			secret: strings.TrimSpace(h.Secret),
			events: events,
			client: &http.Client{Timeout: timeout},
		})
	}
	return n
}

// Run delivers until ctx is cancelled. It returns at once when no webhook is
// enabled.
func (n *WebhookNotifier) Run(ctx context.Context) {
	if len(n.subs) == 0 {
		return
	}
	interval := n.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n.DeliverAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DeliverAll runs one delivery pass. It is not safe for concurrent use.
func (n *WebhookNotifier) DeliverAll(ctx context.Context) {
	for _, sub := range n.subs {
		if err := n.deliver(ctx, sub); err != nil {
			n.Logger.Warn("webhook delivery stopped", zap.String("url", sub.url), zap.Error(err))
		}
	}
}

func (n *WebhookNotifier) deliver(ctx context.Context, sub *subscription) error {
	if !sub.started {
		latest, err := n.Repo.LatestEventID(ctx, n.Repo.DB)
		if err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		sub.cursor, sub.started = latest, true
	}
	for {
		batch, err := n.Repo.EventsAfter(ctx, n.Repo.DB, sub.cursor, webhookBatch)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		for _, evt := range batch {
			if sub.wants(evt.Type) {
				if err := post(ctx, sub, evt); err != nil {
					return fmt.Errorf("event %s: %w", evt.ID, err)
				}
			}
			sub.cursor = evt.ID
		}
		if len(batch) < webhookBatch {
			return nil
		}
	}
}

// webhookEvent is the delivered body; payload is inlined as JSON.
type webhookEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func post(ctx context.Context, sub *subscription, evt domain.Event) error {
	payload := json.RawMessage(`{}`)
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tributary-Event", evt.Type)
	req.Header.Set("X-Tributary-Delivery", evt.ID)
	if sub.secret != "" {
		req.Header.Set("X-Tributary-Secret", sub.secret)
	}
	res, err := sub.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
