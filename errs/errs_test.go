package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New("intrade", CodeProtocol, WithMessage("unexpected body"), WithHTTP(502), WithField("symbol", "EURUSD"))

	str := err.Error()
	for _, want := range []string{"broker=intrade", "code=protocol", "http=502", `message="unexpected body"`, `symbol="EURUSD"`} {
		if !strings.Contains(str, want) {
			t.Fatalf("expected %q in %q", want, str)
		}
	}
}

func TestRawMessageTruncated(t *testing.T) {
	err := New("intrade", CodeNoAnswer, WithRawMessage(strings.Repeat("x", 1000)))
	if len(err.RawMsg) != 256 {
		t.Fatalf("expected raw message truncated to 256 bytes, got %d", len(err.RawMsg))
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("submit order: %w", New("intrade", CodeNetwork, WithCause(cause)))

	if got := CodeOf(err); got != CodeNetwork {
		t.Fatalf("expected network code, got %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}

func TestRetriable(t *testing.T) {
	cases := map[Code]bool{
		CodeNetwork:     true,
		CodeAuth:        true,
		CodeProtocol:    true,
		CodeNoAnswer:    true,
		CodeRateGuard:   true,
		CodeInvalid:     false,
		CodeNotFound:    false,
		CodeQueueFull:   false,
		CodeUnavailable: false,
	}
	for code, want := range cases {
		if got := Retriable(New("", code)); got != want {
			t.Errorf("Retriable(%s) = %v, want %v", code, got, want)
		}
	}
	if !Retriable(errors.New("unclassified")) {
		t.Errorf("expected unclassified errors to be retriable")
	}
	if Retriable(nil) {
		t.Errorf("expected nil error to be non-retriable")
	}
}
