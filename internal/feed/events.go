package feed

import (
	"fmt"
	"time"

	"marketfeed/internal/book"
)

// ErrorKind classifies the non-fatal failures the client reports.
type ErrorKind string

const (
	// ErrConnectionFailed: the transport could not be opened or errored.
	ErrConnectionFailed ErrorKind = "CONNECTION_FAILED"
	// ErrParsing: a malformed inbound message was dropped.
	ErrParsing ErrorKind = "PARSING_ERROR"
	// ErrMaxReconnectAttempts: the retry budget is exhausted; terminal until
	// the consumer reconnects explicitly.
	ErrMaxReconnectAttempts ErrorKind = "MAX_RECONNECT_ATTEMPTS"
	// ErrSubscription: a subscribe or unsubscribe message failed to send.
	ErrSubscription ErrorKind = "SUBSCRIPTION_ERROR"
)

// ErrorRecord is the observable error carried in ConnectionState.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func (e ErrorRecord) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ConnectionState is the externally observable transport state.
type ConnectionState struct {
	IsConnected  bool         `json:"isConnected"`
	IsConnecting bool         `json:"isConnecting"`
	Err          *ErrorRecord `json:"error,omitempty"`
}

// Event is the tagged union the client fans out to subscribers.
type Event interface {
	isEvent()
}

// StateChanged reports a connection-state transition.
type StateChanged struct {
	State ConnectionState
}

// OrderBookUpdated carries a fresh copy of one product's book after a
// snapshot or update was applied.
type OrderBookUpdated struct {
	ProductID string
	Book      book.Book
}

// PriceUpdated carries a product's new mid-price; emitted only when both
// sides of the book are non-empty.
type PriceUpdated struct {
	ProductID string
	MidPrice  float64
}

// ErrorRaised reports a non-fatal error.
type ErrorRaised struct {
	Err ErrorRecord
}

func (StateChanged) isEvent()     {}
func (OrderBookUpdated) isEvent() {}
func (PriceUpdated) isEvent()     {}
func (ErrorRaised) isEvent()      {}
