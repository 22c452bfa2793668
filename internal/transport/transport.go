// Package transport carries framed JSON messages between the engine and a
// remote debugging endpoint. A transport is ordered and reliable for the
// lifetime of one connection; losing it is reported exactly once through
// the closed Recv channel and Err.
package transport

// Transport is the engine's view of one connection.
//
// Send writes one framed message. Recv yields inbound frames in delivery
// order and is closed when the connection is gone, after which Err reports
// the close reason (nil for a locally requested close). Close is
// idempotent.
type Transport interface {
	Send(data []byte) error
	Recv() <-chan []byte
	Err() error
	Close() error
}
