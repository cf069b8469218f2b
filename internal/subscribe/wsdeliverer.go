package subscribe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/hyphanet/wot-engine/internal/model"
)

// wireNotification is the JSON frame sent over the wire; Ack carries the
// client's acknowledged sequence number back on the same connection.
type wireNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	OldSnapshot    any    `json:"oldSnapshot,omitempty"`
	NewSnapshot    any    `json:"newSnapshot,omitempty"`
}

type wireAck struct {
	SequenceNumber int64 `json:"sequenceNumber"`
}

// WSDeliverer implements Deliverer over a single github.com/coder/websocket
// connection: one JSON text frame per notification, one JSON ack frame
// expected back naming the same sequence number before Deliver returns
// (§4.6's "blocks until the client acknowledges it").
type WSDeliverer struct {
	conn *websocket.Conn
}

// NewWSDeliverer wraps an already-accepted websocket connection.
func NewWSDeliverer(conn *websocket.Conn) *WSDeliverer {
	return &WSDeliverer{conn: conn}
}

// Deliver implements Deliverer.
func (d *WSDeliverer) Deliver(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(wireNotification{
		SubscriptionID: n.SubscriptionID,
		SequenceNumber: n.SequenceNumber,
		OldSnapshot:    n.OldSnapshot,
		NewSnapshot:    n.NewSnapshot,
	})
	if err != nil {
		return fmt.Errorf("subscribe: marshal notification: %w", err)
	}
	if err := d.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("subscribe: write notification: %w", err)
	}

	_, raw, err := d.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: read ack: %w", err)
	}
	var ack wireAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("subscribe: decode ack: %w", err)
	}
	if ack.SequenceNumber != n.SequenceNumber {
		return fmt.Errorf("subscribe: ack for sequence %d, expected %d", ack.SequenceNumber, n.SequenceNumber)
	}
	return nil
}

// Close implements Deliverer.
func (d *WSDeliverer) Close() error {
	return d.conn.Close(websocket.StatusNormalClosure, "subscription closed")
}
