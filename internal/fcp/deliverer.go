package fcp

import (
	"context"
	"encoding/json"
	"net"
	"strconv"

	"github.com/hyphanet/wot-engine/internal/model"
)

// connDeliverer pushes Notification frames down the same FCP connection a
// Subscribe request arrived on. Unlike internal/subscribe's WSDeliverer it
// does not block waiting for an application-level ack: an FCP connection
// is a single ordered TCP stream shared with the client's own requests, so
// waiting for a reply frame here would either stall behind the client's
// next command or require demultiplexing reply frames from notification
// frames on one stream. TCP's own flow control is the backpressure
// signal instead; a write error (broken pipe, closed connection) is what
// this Deliverer reports back to the subscription manager.
type connDeliverer struct {
	conn net.Conn
}

func newConnDeliverer(conn net.Conn) *connDeliverer {
	return &connDeliverer{conn: conn}
}

func (d *connDeliverer) Deliver(ctx context.Context, n model.Notification) error {
	old, _ := json.Marshal(n.OldSnapshot)
	next, _ := json.Marshal(n.NewSnapshot)
	return writeFrame(d.conn, "Notification", map[string]string{
		"SubscriptionID": n.SubscriptionID,
		"SequenceNumber": strconv.FormatInt(n.SequenceNumber, 10),
		"OldSnapshot":    string(old),
		"NewSnapshot":    string(next),
	})
}

func (d *connDeliverer) Close() error { return nil }
