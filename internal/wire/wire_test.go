package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
)

func TestRequestComposeParseRoundTrip(t *testing.T) {
	req := Request{
		Type:           TypeIntervals,
		IndexHash:      5678,
		AuxValue:       1234,
		MethylomeNames: []string{"SRX012345"},
	}
	buf, err := Compose(req)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if len(buf) > RequestHeaderMaxBytes {
		t.Fatalf("composed request exceeds max bytes: %d", len(buf))
	}
	got, err := ParseRequestLine(strings.TrimSuffix(string(buf), "\n"))
	if err != nil {
		t.Fatalf("ParseRequestLine: %v", err)
	}
	if got.Type != req.Type || got.IndexHash != req.IndexHash || got.AuxValue != req.AuxValue ||
		len(got.MethylomeNames) != 1 || got.MethylomeNames[0] != "SRX012345" {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestRequestTooLarge(t *testing.T) {
	names := make([]string, 60)
	for i := range names {
		names[i] = strings.Repeat("a", 9)
	}
	req := Request{Type: TypeIntervals, IndexHash: 1, AuxValue: 1, MethylomeNames: names}
	_, err := Compose(req)
	if err == nil {
		t.Fatal("expected request_too_large error")
	}
	if e, ok := err.(*errs.Error); !ok || e.Status != errs.StatusRequestTooLarge {
		t.Fatalf("expected StatusRequestTooLarge, got %v", err)
	}
}

func TestInvalidMethylomeNameRejected(t *testing.T) {
	_, err := ParseRequestLine("0\t1\t2\tbad;name")
	if err == nil {
		t.Fatal("expected parse error for hostile methylome name")
	}
}

func TestInvalidAuxErrorCodeWindows(t *testing.T) {
	lim := DefaultLimits
	tooSmallSize := Request{Type: TypeWindows, AuxValue: AuxForWindows(10, 100)}
	if code := tooSmallSize.InvalidAuxErrorCode(lim); code.Status != errs.StatusWindowSizeTooSmall {
		t.Fatalf("expected window_size_too_small, got %v", code)
	}
	tooSmallStep := Request{Type: TypeWindows, AuxValue: AuxForWindows(200, 10)}
	if code := tooSmallStep.InvalidAuxErrorCode(lim); code.Status != errs.StatusWindowStepTooSmall {
		t.Fatalf("expected window_step_too_small, got %v", code)
	}
}

func TestReadRequestViaReader(t *testing.T) {
	req := Request{Type: TypeBins, IndexHash: 42, AuxValue: 100, MethylomeNames: []string{"m1", "m2"}}
	buf, err := Compose(req)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	r := bufio.NewReader(strings.NewReader(string(buf)))
	got, err := ReadRequest(r)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.IndexHash != 42 || got.AuxValue != 100 || len(got.MethylomeNames) != 2 {
		t.Fatalf("unexpected parsed request: %+v", got)
	}
}

func TestResponseComposeParseRoundTrip(t *testing.T) {
	h := ResponseHeader{Status: errs.StatusOK, Version: "1.0.0", Cols: 3, Rows: 10, NBytes: 240}
	buf, err := ComposeResponse(h)
	if err != nil {
		t.Fatalf("ComposeResponse: %v", err)
	}
	got, err := ParseResponseLine(strings.TrimSuffix(string(buf), "\n"))
	if err != nil {
		t.Fatalf("ParseResponseLine: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestResponseErrorFlag(t *testing.T) {
	ok := ResponseHeader{Status: errs.StatusOK}
	bad := ResponseHeader{Status: errs.StatusMethylomeNotFound}
	if ok.Error() {
		t.Fatal("ok response should not report error")
	}
	if !bad.Error() {
		t.Fatal("non-ok response should report error")
	}
}
