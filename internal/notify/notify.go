// Package notify delivers change events to subscribers outside the process
// once an operation has succeeded. Delivery is best effort: callers log
// Publish errors and carry on.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/logging"
)

// Event is the envelope every publisher sends.
type Event struct {
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	TS         string `json:"ts"`
	Data       any    `json:"data,omitempty"`
}

// Publisher sends one event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stamp(e Event) Event {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	return e
}

// FromConfig builds the publishers named in cfg. The returned close func
// releases any connection and is never nil.
func FromConfig(cfg *config.Config, logger logging.Logger) (Publisher, func(), error) {
	noop := func() {}
	if cfg == nil {
		return Nop{}, noop, nil
	}
	logger = logging.OrNop(logger)
	n := cfg.Notifications
	var pubs Multi
	closeFn := noop
	if url := strings.TrimSpace(n.NATSURL); url != "" {
		np, err := ConnectNATS(url, n.SubjectPrefix)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("publishing events to nats", "url", url, "prefix", np.prefix)
		pubs = append(pubs, np)
		closeFn = np.Close
	}
	if len(n.Webhooks) > 0 {
		pubs = append(pubs, NewWebhooks(n.Webhooks))
		logger.Info("publishing events to webhooks", "count", len(n.Webhooks))
	}
	switch len(pubs) {
	case 0:
		return Nop{}, closeFn, nil
	case 1:
		return pubs[0], closeFn, nil
	}
	return pubs, closeFn, nil
}
