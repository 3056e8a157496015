// Package errs provides the structured error kinds that drive recovery
// decisions across the pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the recovery it requires.
type Kind string

const (
	// KindTransport indicates a broker or network transport failure; the
	// caller retries with backoff.
	KindTransport Kind = "transport"
	// KindProtocol indicates a malformed wire frame; the frame is dropped
	// and the stream continues.
	KindProtocol Kind = "protocol"
	// KindSequenceGap indicates an order-book update-id discontinuity; the
	// ingestor resynchronizes via snapshot.
	KindSequenceGap Kind = "sequence_gap"
	// KindInvariant indicates a book invariant violation after an apply.
	KindInvariant Kind = "invariant"
	// KindDisconnect indicates a closed websocket; propagated to the
	// ingestor which reconnects.
	KindDisconnect Kind = "disconnect"
	// KindConfiguration indicates malformed configuration at startup; fatal.
	KindConfiguration Kind = "configuration"
	// KindClient indicates a bad gateway subscription; the connection is
	// closed with a 4xxx code and the server continues.
	KindClient Kind = "client"
)

// E carries a kind, the exchange/symbol scope when known, and a cause.
type E struct {
	Kind     Kind
	Exchange string
	Symbol   string
	Msg      string
	cause    error
}

func (e *E) Error() string {
	s := string(e.Kind)
	if e.Exchange != "" {
		s += " " + e.Exchange
		if e.Symbol != "" {
			s += ":" + e.Symbol
		}
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.cause }

// New constructs an error of the given kind.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// WithScope annotates the error with its instrument scope.
func (e *E) WithScope(exchange, symbol string) *E {
	e.Exchange = exchange
	e.Symbol = symbol
	return e
}

// KindOf extracts the kind of err, or empty when err carries none.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
