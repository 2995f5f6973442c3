package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(errors.New("dial tcp: refused"), ReasonConnection)
	if Reason(err) != ReasonConnection {
		t.Fatalf("expected reason %s, got %s", ReasonConnection, Reason(err))
	}
	if !HasReason(err, ReasonConnection) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, ReasonProtocol); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapKeepsFirstReason(t *testing.T) {
	err := Wrap(New(ReasonRemote, "session timed out"), ReasonConnection)
	if Reason(err) != ReasonRemote {
		t.Fatalf("expected first reason to win, got %s", Reason(err))
	}
}

func TestWrapThroughFmtChain(t *testing.T) {
	inner := New(ReasonContentType, "unable to determine content-type")
	outer := fmt.Errorf("write chunk: %w", inner)
	if Reason(outer) != ReasonContentType {
		t.Fatalf("expected reason through wrap chain, got %s", Reason(outer))
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ReasonRemote, "service reported: %s", "invalid model")
	if err.Error() != "service reported: invalid model" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Reason(err) != ReasonRemote {
		t.Fatalf("expected remote reason, got %s", Reason(err))
	}
}
