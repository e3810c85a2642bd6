package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "taskpulse.events"

// NATSPublisher publishes each event on <prefix>.<event type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATS publishes over an existing connection. The caller keeps
// ownership of nc.
func NewNATS(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: normalizePrefix(prefix)}
}

// ConnectNATS dials url and owns the resulting connection.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskpulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: normalizePrefix(prefix), owned: true}, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return DefaultSubjectPrefix
	}
	return prefix
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e = stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Close drains the connection if this publisher opened it.
func (p *NATSPublisher) Close() {
	if p.owned && p.nc != nil {
		_ = p.nc.Drain()
	}
}
