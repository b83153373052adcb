package client

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
	"github.com/andrewdavidsmith/transferase-go/internal/levels"
	"github.com/andrewdavidsmith/transferase-go/internal/query"
	"github.com/andrewdavidsmith/transferase-go/internal/wire"
)

// fakeServer accepts one connection, reads the request (and query
// payload for intervals requests), and answers with the provided
// response, exercising the client's full state machine without the real
// server package.
func fakeServer(t *testing.T, respond func(req wire.Request, q query.Container) (wire.ResponseHeader, []byte)) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		req, err := wire.ReadRequest(br)
		if err != nil {
			return
		}
		var q query.Container
		if req.Type.IsIntervals() {
			buf := make([]byte, req.NIntervals()*8)
			if _, err := io.ReadFull(br, buf); err != nil {
				return
			}
			q, _ = query.Decode(buf, int(req.NIntervals()))
		}
		hdr, body := respond(req, q)
		out, _ := wire.ComposeResponse(hdr)
		_, _ = c.Write(out)
		_, _ = c.Write(body)
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestIntervalsClientRoundTrip(t *testing.T) {
	q := query.Container{Ranges: []query.Range{{Start: 0, Stop: 3}, {Start: 5, Stop: 8}}}
	want := levels.NewContainerMD(2, 1, false)
	want.Set(0, 0, levels.Element{NMeth: 8, NUnmeth: 6})
	want.Set(1, 0, levels.Element{NMeth: 1, NUnmeth: 9})

	port := fakeServer(t, func(req wire.Request, got query.Container) (wire.ResponseHeader, []byte) {
		if req.Type != wire.TypeIntervals || req.IndexHash != 42 {
			t.Errorf("unexpected request: %+v", req)
		}
		if got.Len() != 2 || got.Ranges[1] != (query.Range{Start: 5, Stop: 8}) {
			t.Errorf("query payload mangled: %+v", got.Ranges)
		}
		return wire.ResponseHeader{
			Status: errs.StatusOK, Version: "test",
			Cols: 1, Rows: 2, NBytes: uint32(want.NBytes()),
		}, want.Encode()
	})

	cl := NewIntervalsClient("127.0.0.1", port, 42, []string{"SRX012346"}, q, false, DefaultTimeouts)
	if err := cl.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := cl.TakeLevels()
	if got.NRows != 2 || got.At(0, 0) != want.At(0, 0) || got.At(1, 0) != want.At(1, 0) {
		t.Fatalf("decoded levels mismatch: %+v", got.Data)
	}
	// TakeLevels moves ownership; a second call yields an empty container.
	if again := cl.TakeLevels(); len(again.Data) != 0 {
		t.Fatal("second TakeLevels should be empty")
	}
}

func TestBinsClientCoveredRoundTrip(t *testing.T) {
	want := levels.NewContainerMD(3, 1, true)
	want.Set(0, 0, levels.Element{NMeth: 3, NUnmeth: 1, NCovered: 1, Covered: true})
	want.Set(2, 0, levels.Element{NMeth: 2, NUnmeth: 8, NCovered: 1, Covered: true})

	port := fakeServer(t, func(req wire.Request, _ query.Container) (wire.ResponseHeader, []byte) {
		if req.Type != wire.TypeBinsCovered || req.BinSize() != 100 {
			t.Errorf("unexpected request: %+v", req)
		}
		return wire.ResponseHeader{
			Status: errs.StatusOK, Version: "test",
			Cols: 1, Rows: 3, NBytes: uint32(want.NBytes()),
		}, want.Encode()
	})

	cl := NewBinsClient("127.0.0.1", port, 7, []string{"m1"}, 100, true, DefaultTimeouts)
	if err := cl.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := cl.TakeLevels()
	if !got.Covered || got.NRows != 3 {
		t.Fatalf("shape mismatch: %+v", got)
	}
	for row := 0; row < 3; row++ {
		if got.At(row, 0) != want.At(row, 0) {
			t.Fatalf("row %d: got %+v want %+v", row, got.At(row, 0), want.At(row, 0))
		}
	}
}

func TestWindowsClientComposesPackedAux(t *testing.T) {
	port := fakeServer(t, func(req wire.Request, _ query.Container) (wire.ResponseHeader, []byte) {
		if req.Type != wire.TypeWindows || req.WindowSize() != 200 || req.WindowStep() != 100 {
			t.Errorf("aux packing wrong: %+v", req)
		}
		return wire.ResponseHeader{Status: errs.StatusOK, Version: "test"}, nil
	})
	cl := NewWindowsClient("127.0.0.1", port, 7, []string{"m1"}, 200, 100, false, DefaultTimeouts)
	if err := cl.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestClientSurfacesServerStatus(t *testing.T) {
	port := fakeServer(t, func(wire.Request, query.Container) (wire.ResponseHeader, []byte) {
		return wire.ResponseHeader{Status: errs.StatusMethylomeNotFound, Version: "test"}, nil
	})
	cl := NewBinsClient("127.0.0.1", port, 7, []string{"gone"}, 100, false, DefaultTimeouts)
	err := cl.Run()
	if err == nil {
		t.Fatal("expected error status")
	}
	if !errors.Is(err, errs.ErrMethylomeNotFound) {
		t.Fatalf("got %v, want methylome_not_found", err)
	}
}

func TestClientTimeoutOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		time.Sleep(time.Second)
	}()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	cl := NewBinsClient("127.0.0.1", port, 7, []string{"m1"}, 100, false,
		Timeouts{Comm: 20 * time.Millisecond, Work: 20 * time.Millisecond})
	err = cl.Run()
	if !errors.Is(err, errs.ErrConnectionTimeout) {
		t.Fatalf("got %v, want connection_timeout", err)
	}
}

func TestClientRejectsShortBody(t *testing.T) {
	port := fakeServer(t, func(wire.Request, query.Container) (wire.ResponseHeader, []byte) {
		// Header promises 16 bytes but only 8 follow; the claimed rows
		// imply 2 uncovered elements.
		return wire.ResponseHeader{Status: errs.StatusOK, Version: "test", Cols: 1, Rows: 2, NBytes: 16},
			make([]byte, 8)
	})
	cl := NewBinsClient("127.0.0.1", port, 7, []string{"m1"}, 100, false,
		Timeouts{Comm: 200 * time.Millisecond, Work: 200 * time.Millisecond})
	if err := cl.Run(); err == nil {
		t.Fatal("expected error on truncated body")
	}
}
