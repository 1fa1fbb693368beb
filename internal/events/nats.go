// internal/events/nats.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// NATSPublisher publishes each event on <prefix>.<type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSPublisher dials NATS. The connection is closed by Close.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	name := cfg.Name
	if name == "" {
		name = "trainloop"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := NewNATSPublisherWithConn(nc, cfg.SubjectPrefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisherWithConn publishes on an existing connection, which the
// caller keeps ownership of.
func NewNATSPublisherWithConn(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "trainloop"
	}
	return &NATSPublisher{conn: nc, prefix: prefix}
}

// Subject returns the subject an event of typ is published on.
func (p *NATSPublisher) Subject(typ Type) string {
	return p.prefix + "." + string(typ)
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(e.Type))
	msg.Data = data
	msg.Header.Set("Task-Id", e.TaskID)
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
