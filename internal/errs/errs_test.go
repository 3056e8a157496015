package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindSequenceGap, "expected %d got %d", 11, 13).WithScope("bybit", "BTCUSDT")
	if !IsKind(err, KindSequenceGap) {
		t.Fatalf("kind = %q", KindOf(err))
	}
	wrapped := fmt.Errorf("ingestor: %w", err)
	if KindOf(wrapped) != KindSequenceGap {
		t.Fatalf("kind lost through wrapping: %q", KindOf(wrapped))
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindTransport, cause, "broker append")
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable via errors.Is")
	}
	if IsKind(errors.New("plain"), KindTransport) {
		t.Fatalf("plain error should have no kind")
	}
}
