package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"traceline/internal/domain"
	"traceline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the events table and posts new rows to each
// configured webhook URL. Cursors persist in webhook_cursors so restarts
// resume where delivery left off instead of replaying history.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []string
	client   *http.Client
}

// StartWebhookDispatcher launches the background event poller. No-op when
// the config lists no webhooks.
func StartWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifications.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Notifications.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for _, url := range d.webhooks {
		if strings.TrimSpace(url) == "" {
			continue
		}
		d.dispatchWebhook(url)
	}
}

func (d *webhookDispatcher) dispatchWebhook(url string) {
	ctx := context.Background()
	cursor, err := d.cursorFor(ctx, url)
	if err != nil {
		log.Printf("webhook: load cursor for %s: %v", url, err)
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if err := d.postEvent(ctx, url, evt); err != nil {
			// Delivery stops at the failing event; the cursor stays put
			// and the next tick retries from there.
			log.Printf("webhook: deliver to %s failed: %v", url, err)
			return
		}
		ts := time.Now().UTC().Format(time.RFC3339)
		if err := d.engine.Repo.SetWebhookCursor(ctx, url, evt.ID, ts); err != nil {
			log.Printf("webhook: persist cursor for %s: %v", url, err)
			return
		}
	}
}

// cursorFor returns the persisted cursor for a URL, seeding new URLs at
// the current event head so freshly added webhooks skip the backlog.
func (d *webhookDispatcher) cursorFor(ctx context.Context, url string) (int64, error) {
	cursor, err := d.engine.Repo.WebhookCursor(ctx, url)
	if err != nil {
		return 0, err
	}
	if cursor > 0 {
		return cursor, nil
	}
	head, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if head > 0 {
		ts := time.Now().UTC().Format(time.RFC3339)
		if err := d.engine.Repo.SetWebhookCursor(ctx, url, head, ts); err != nil {
			return 0, err
		}
	}
	return head, nil
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProgramID  string          `json:"program_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, url string, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProgramID:  evt.ProgramID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Traceline-Event", evt.Type)
	req.Header.Set("X-Traceline-Delivery", fmt.Sprintf("%d", evt.ID))
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
