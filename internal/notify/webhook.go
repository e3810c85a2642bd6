package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskpulse/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs events to every configured hook whose filter
// matches.
type WebhookPublisher struct {
	hooks  []hook
	client *http.Client
}

type hook struct {
	url    string
	secret string
	filter eventFilter
}

type WebhookOption func(*WebhookPublisher)

// WithHTTPClient replaces the default 5s-timeout client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

func NewWebhooks(hooks []config.Webhook, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{client: &http.Client{Timeout: defaultWebhookTimeout}}
	for _, h := range hooks {
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		p.hooks = append(p.hooks, hook{url: h.URL, secret: strings.TrimSpace(h.Secret), filter: newEventFilter(h.Events)})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	e = stamp(e)
	var body []byte
	var errs []error
	for _, h := range p.hooks {
		if !h.filter.match(e.Type) {
			continue
		}
		if body == nil {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			body = data
		}
		if err := p.post(ctx, h, e, body); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", h.url, err))
		}
	}
	return errors.Join(errs...)
}

func (p *WebhookPublisher) post(ctx context.Context, h hook, e Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskpulse-Event", e.Type)
	if e.ProjectID != "" {
		req.Header.Set("X-Taskpulse-Project", e.ProjectID)
	}
	if h.secret != "" {
		req.Header.Set("X-Taskpulse-Secret", h.secret)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches everything when events is empty. An entry ending
// in ".*" matches the prefix before it.
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for key := range f.set {
		if strings.HasSuffix(key, ".*") && strings.HasPrefix(evt, strings.TrimSuffix(key, "*")) {
			return true
		}
	}
	return false
}
