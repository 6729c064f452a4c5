package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSTransport carries envelopes over core NATS subjects. The bus
// needs no persistence from the broker, the outbox owns durability.
type NATSTransport struct {
	conn     *nats.Conn
	ownsConn bool
}

// NewNATSTransport connects to the given NATS URL.
func NewNATSTransport(url string) (*NATSTransport, error) {
	conn, err := nats.Connect(url, nats.Name("eventra-bus"))
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect %s: %w", url, err)
	}
	return &NATSTransport{conn: conn, ownsConn: true}, nil
}

// NewNATSTransportFromConn wraps an existing connection. The caller
// keeps ownership of the connection's lifecycle.
func NewNATSTransportFromConn(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

// Publish sends the payload on the subject.
func (t *NATSTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("bus: nats publish %s: %w", subject, err)
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe registers a handler. NATS supports the subject wildcards
// natively, patterns pass through unchanged.
func (t *NATSTransport) Subscribe(pattern string, handler MessageHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("bus: handler cannot be nil")
	}
	sub, err := t.conn.Subscribe(pattern, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: nats subscribe %s: %w", pattern, err)
	}
	return &natsSub{sub: sub}, nil
}

// Close drains the connection when this transport opened it.
func (t *NATSTransport) Close() error {
	if !t.ownsConn {
		return nil
	}
	return t.conn.Drain()
}
