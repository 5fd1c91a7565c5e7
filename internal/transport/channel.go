package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ConnState is the transport health observed by the reconciliation handler.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the ConnState.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Event is a named inbound message handed off to the lifecycle queue.
// The transport never touches lifecycle state directly.
type Event struct {
	Name       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// StateChange is a connection lifecycle signal.
type StateChange struct {
	State ConnState
	At    time.Time
}

var ErrNotConnected = errors.New("transport: not connected")

// Channel is a persistent, reconnecting, bidirectional event channel to the
// backend. Implementations deliver inbound events and state changes on their
// own I/O goroutines; consumers serialize them through one processing queue.
type Channel interface {
	// Events streams inbound events in arrival order.
	Events() <-chan Event

	// States streams connection lifecycle signals.
	States() <-chan StateChange

	// Send emits a named command. It fails fast with ErrNotConnected when
	// the channel is down; callers own retry policy.
	Send(ctx context.Context, name string, payload any) error

	// Close tears down the single owned subscription for the session.
	Close() error
}

// frame is the on-the-wire envelope shared by both channel implementations.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: name, Data: data})
}
