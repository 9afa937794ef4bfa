package client

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NATSClient is a thin wrapper over a NATS connection used for event
// publishing.
type NATSClient struct {
	conn *nats.Conn
}

// NewNATSClient connects to the given NATS URL.
func NewNATSClient(url, name string) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSClient{conn: conn}, nil
}

// Publish sends data on subject, honoring ctx cancellation.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
