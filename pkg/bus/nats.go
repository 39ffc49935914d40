package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes JSON payloads to NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

// Ensure interface compliance.
var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to url with automatic reconnection. Extra
// options are appended to the defaults.
func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	defaults := []nats.Option{
		nats.Name("testrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}

	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	return p.conn.Publish(subject, data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	defer p.conn.Close()

	if err := p.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("flushing NATS connection: %w", err)
	}

	return nil
}
