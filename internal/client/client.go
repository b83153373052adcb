// Package client implements the client runtime: concrete client types
// per request kind sharing a small inner connection struct. Each
// composes a request header, dials the server, streams the optional
// query payload, reads the response header and the fixed-size level
// payload, and exposes the decoded levels via TakeLevels.
package client

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
	"github.com/andrewdavidsmith/transferase-go/internal/levels"
	"github.com/andrewdavidsmith/transferase-go/internal/query"
	"github.com/andrewdavidsmith/transferase-go/internal/wire"
	"github.com/andrewdavidsmith/transferase-go/internal/xlog"
)

// Timeouts are the client-side watchdog deadlines: Comm bounds each
// read/write chunk, Work brackets the span where the server computes
// and no bytes flow.
type Timeouts struct {
	Comm time.Duration
	Work time.Duration
}

// DefaultTimeouts suit interactive use against a local or nearby
// server.
var DefaultTimeouts = Timeouts{
	Comm: 10 * time.Second,
	Work: 60 * time.Second,
}

// conn is the shared inner state of both client types: endpoint,
// deadlines, composed request, and the response as it arrives.
type conn struct {
	hostname string
	port     uint16
	timeouts Timeouts
	req      wire.Request
	hdr      wire.ResponseHeader
	lv       levels.ContainerMD
}

// dial resolves hostname (or uses it verbatim when numeric) and
// connects, bounded by the comm timeout.
func (c *conn) dial() (net.Conn, error) {
	addr := net.JoinHostPort(c.hostname, strconv.Itoa(int(c.port)))
	nc, err := net.DialTimeout("tcp", addr, c.timeouts.Comm)
	if err != nil {
		if isTimeout(err) {
			return nil, errs.ErrConnectionTimeout
		}
		return nil, errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "dial "+addr, err)
	}
	return nc, nil
}

// run drives the whole exchange: write header, stream the query payload
// when q is non-nil, read the response header under the work deadline
// (the server aggregates during that span), then read the body under
// the comm deadline. Mirrors the server's state machine from the other
// side of the wire.
func (c *conn) run(q *query.Container) error {
	nc, err := c.dial()
	if err != nil {
		return err
	}
	defer nc.Close()

	logger := xlog.Module("client")
	logger.Debugw("connected", "remote", nc.RemoteAddr(), "request", c.req.String())

	hdrBuf, err := wire.Compose(c.req)
	if err != nil {
		return err
	}
	if err := nc.SetWriteDeadline(time.Now().Add(c.timeouts.Comm)); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "set deadline", err)
	}
	if _, err := nc.Write(hdrBuf); err != nil {
		return commError("write request header", err)
	}

	if q != nil {
		if err := nc.SetWriteDeadline(time.Now().Add(c.timeouts.Comm)); err != nil {
			return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "set deadline", err)
		}
		if _, err := nc.Write(q.Encode()); err != nil {
			return commError("write query payload", err)
		}
	}

	// The response header arrives only after the server finishes its
	// compute phase, so the read is bounded by work_timeout rather than
	// comm_timeout.
	if err := nc.SetReadDeadline(time.Now().Add(c.timeouts.Work)); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "set deadline", err)
	}
	br := bufio.NewReaderSize(nc, wire.ResponseHeaderMaxBytes)
	hdr, err := wire.ReadResponse(br)
	if err != nil {
		return commError("read response header", err)
	}
	c.hdr = hdr
	if hdr.Error() {
		return statusError(hdr.Status)
	}

	body := make([]byte, hdr.NBytes)
	if len(body) > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(c.timeouts.Comm)); err != nil {
			return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "set deadline", err)
		}
		if _, err := io.ReadFull(br, body); err != nil {
			return commError("read response body", err)
		}
	}

	covered := c.req.Type.IsCovered()
	expect := int(hdr.Rows) * int(hdr.Cols) * levels.ElementSize(covered)
	if len(body) != expect {
		return errs.New(errs.CategoryServerSemantics, errs.StatusServerFailure,
			"response body size mismatch")
	}
	c.lv = levels.Decode(body, int(hdr.Rows), int(hdr.Cols), covered)
	logger.Debugw("response received", "rows", hdr.Rows, "cols", hdr.Cols, "n_bytes", hdr.NBytes)
	return nil
}

// takeLevels moves the decoded container out of the connection; a
// second call returns an empty container.
func (c *conn) takeLevels() levels.ContainerMD {
	lv := c.lv
	c.lv = levels.ContainerMD{}
	return lv
}

func commError(op string, err error) error {
	if isTimeout(err) {
		return errs.ErrConnectionTimeout
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, op, err)
}

// statusError maps a non-OK response status back onto the sentinel the
// server-side computation produced, so client callers can branch with
// errors.Is the same way server code does.
func statusError(s errs.StatusCode) error {
	return &errs.Error{
		Category: errs.CategoryServerSemantics,
		Status:   s,
		Msg:      s.String(),
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IntervalsClient issues intervals/intervals_covered requests: header
// followed by the streamed query payload.
type IntervalsClient struct {
	conn
	query query.Container
}

// NewIntervalsClient composes an intervals request for the named
// methylomes against the given query.
func NewIntervalsClient(hostname string, port uint16, indexHash uint64,
	methylomeNames []string, q query.Container, covered bool, t Timeouts) *IntervalsClient {
	rt := wire.TypeIntervals
	if covered {
		rt = wire.TypeIntervalsCovered
	}
	return &IntervalsClient{
		conn: conn{
			hostname: hostname,
			port:     port,
			timeouts: t,
			req: wire.Request{
				Type:           rt,
				IndexHash:      indexHash,
				AuxValue:       uint64(q.Len()),
				MethylomeNames: methylomeNames,
			},
		},
		query: q,
	}
}

// Run performs the full exchange and returns the terminal status.
func (c *IntervalsClient) Run() error { return c.run(&c.query) }

// TakeLevels moves the decoded level container out of the client.
func (c *IntervalsClient) TakeLevels() levels.ContainerMD { return c.takeLevels() }

// BinsClient issues bins/bins_covered requests: header only, no query
// payload.
type BinsClient struct {
	conn
}

// NewBinsClient composes a bins request for the named methylomes.
func NewBinsClient(hostname string, port uint16, indexHash uint64,
	methylomeNames []string, binSize uint32, covered bool, t Timeouts) *BinsClient {
	rt := wire.TypeBins
	if covered {
		rt = wire.TypeBinsCovered
	}
	return &BinsClient{
		conn: conn{
			hostname: hostname,
			port:     port,
			timeouts: t,
			req: wire.Request{
				Type:           rt,
				IndexHash:      indexHash,
				AuxValue:       uint64(binSize),
				MethylomeNames: methylomeNames,
			},
		},
	}
}

// Run performs the full exchange and returns the terminal status.
func (c *BinsClient) Run() error { return c.run(nil) }

// TakeLevels moves the decoded level container out of the client.
func (c *BinsClient) TakeLevels() levels.ContainerMD { return c.takeLevels() }

// WindowsClient issues windows/windows_covered requests; like bins, the
// header carries everything the server needs, so no payload follows.
type WindowsClient struct {
	conn
}

// NewWindowsClient composes a windows request for the named methylomes;
// window size and step are packed into aux_value.
func NewWindowsClient(hostname string, port uint16, indexHash uint64,
	methylomeNames []string, windowSize, windowStep uint32, covered bool, t Timeouts) *WindowsClient {
	rt := wire.TypeWindows
	if covered {
		rt = wire.TypeWindowsCovered
	}
	return &WindowsClient{
		conn: conn{
			hostname: hostname,
			port:     port,
			timeouts: t,
			req: wire.Request{
				Type:           rt,
				IndexHash:      indexHash,
				AuxValue:       wire.AuxForWindows(uint64(windowSize), uint64(windowStep)),
				MethylomeNames: methylomeNames,
			},
		},
	}
}

// Run performs the full exchange and returns the terminal status.
func (c *WindowsClient) Run() error { return c.run(nil) }

// TakeLevels moves the decoded level container out of the client.
func (c *WindowsClient) TakeLevels() levels.ContainerMD { return c.takeLevels() }
