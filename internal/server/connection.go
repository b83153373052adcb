package server

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
	"github.com/andrewdavidsmith/transferase-go/internal/levels"
	"github.com/andrewdavidsmith/transferase-go/internal/query"
	"github.com/andrewdavidsmith/transferase-go/internal/wire"
	"github.com/andrewdavidsmith/transferase-go/internal/xlog"
)

// TransferStats is a per-connection byte/op counter.
type TransferStats struct {
	NXfrs      uint32
	XfrBytes   uint32
	MinXfrSize uint32
	MaxXfrSize uint32
}

// Update folds one more transfer of n bytes into the running stats;
// zero-byte transfers are skipped.
func (t *TransferStats) Update(n uint32) {
	if n == 0 {
		return
	}
	t.NXfrs++
	t.XfrBytes += n
	if n > t.MaxXfrSize {
		t.MaxXfrSize = n
	}
	if t.MinXfrSize == 0 || n < t.MinXfrSize {
		t.MinXfrSize = n
	}
}

// Timeouts are the connection-level watchdog deadlines: Comm per
// read/write chunk, Work bracketing the compute phase.
type Timeouts struct {
	Comm time.Duration
	Work time.Duration
}

// connection is the per-connection state machine: read request, parse
// header, optionally read the query payload, compute, respond with
// header then levels, stop. Each step is a blocking call shadowed by a
// net.Conn deadline acting as the watchdog.
type connection struct {
	conn     net.Conn
	br       *bufio.Reader
	handler  *Handler
	timeouts Timeouts
	connID   string
	stats    TransferStats
}

func newConnection(c net.Conn, h *Handler, t Timeouts, id string) *connection {
	return &connection{conn: c, handler: h, timeouts: t, connID: id}
}

// serve runs the full state machine for one connection to completion,
// always ending in stop() (closing the socket) exactly once.
func (c *connection) serve() {
	defer c.stop()

	logger := xlog.Module("server")
	logger.Debugw("connection accepted", "conn_id", c.connID, "remote", c.conn.RemoteAddr())

	m := c.handler.Metrics
	if m != nil {
		m.ActiveConnections.Inc()
		defer m.ActiveConnections.Dec()
	}
	start := time.Now()

	req, parseErr := c.readRequest()
	if parseErr != nil {
		c.respondWithError(parseErr)
		return
	}

	var q *query.Container
	if req.Type.IsIntervals() {
		qc, err := c.readQuery(req)
		if err != nil {
			c.respondWithError(err)
			return
		}
		q = &qc
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeouts.Work)); err != nil {
		c.respondWithError(errs.ErrServerFailure)
		return
	}
	hdr, body, computeErr := c.handler.HandleRequest(req, q)
	if computeErr != nil {
		c.respondWithError(computeErr)
		return
	}

	if err := c.respondWithHeader(hdr); err != nil {
		logger.Debugw("write response header failed", "conn_id", c.connID, "err", err)
		return
	}
	if err := c.respondWithLevels(body); err != nil {
		logger.Debugw("write response body failed", "conn_id", c.connID, "err", err)
		return
	}
	if m != nil {
		m.RequestsTotal.WithLabelValues(req.Type.String()).Inc()
		m.RequestDuration.WithLabelValues(req.Type.String()).Observe(time.Since(start).Seconds())
	}
}

// readRequest reads and parses the request header, shadowed by the
// comm timeout. The bufio.Reader created here is retained on the
// connection so that any bytes the header read buffered ahead of the
// '\n' are not lost before readQuery streams the payload immediately
// following it on the wire.
func (c *connection) readRequest() (wire.Request, *errs.Error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeouts.Comm)); err != nil {
		return wire.Request{}, errs.ErrServerFailure
	}
	c.br = bufio.NewReaderSize(c.conn, wire.RequestHeaderMaxBytes)
	req, err := wire.ReadRequest(c.br)
	if err != nil {
		if isTimeout(err) {
			return wire.Request{}, errs.ErrConnectionTimeout
		}
		if e, ok := err.(*errs.Error); ok {
			return wire.Request{}, e
		}
		return wire.Request{}, errs.ErrParseRequestType
	}
	hdrLen := 0
	if b, cerr := wire.Compose(req); cerr == nil {
		hdrLen = len(b)
	}
	c.stats.Update(uint32(hdrLen))
	if m := c.handler.Metrics; m != nil {
		m.BytesReceived.Add(float64(hdrLen))
	}
	return req, nil
}

// readQuery streams exactly n_intervals*8 payload bytes, enforcing
// max_intervals and the comm timeout.
func (c *connection) readQuery(req wire.Request) (query.Container, *errs.Error) {
	n := int(req.NIntervals())
	if uint64(n) > c.handler.Limits.MaxIntervals {
		return query.Container{}, errs.ErrTooManyIntervals
	}
	buf := make([]byte, n*8)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeouts.Comm)); err != nil {
		return query.Container{}, errs.ErrServerFailure
	}
	if _, err := io.ReadFull(c.br, buf); err != nil {
		if isTimeout(err) {
			return query.Container{}, errs.ErrConnectionTimeout
		}
		return query.Container{}, errs.ErrReadingQuery
	}
	c.stats.Update(uint32(len(buf)))
	if m := c.handler.Metrics; m != nil {
		m.BytesReceived.Add(float64(len(buf)))
	}
	q, err := query.Decode(buf, n)
	if err != nil {
		return query.Container{}, errs.ErrReadingQuery
	}
	return q, nil
}

// respondWithHeader writes the response header under the comm timeout.
func (c *connection) respondWithHeader(hdr wire.ResponseHeader) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Comm)); err != nil {
		return err
	}
	buf, err := wire.ComposeResponse(hdr)
	if err != nil {
		return err
	}
	n, err := c.conn.Write(buf)
	c.stats.Update(uint32(n))
	if m := c.handler.Metrics; m != nil {
		m.BytesSent.Add(float64(n))
	}
	return err
}

// respondWithLevels writes the response body under the comm timeout.
func (c *connection) respondWithLevels(body levels.ContainerMD) error {
	if body.NRows == 0 {
		return nil // an empty query gets a header-only response
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Comm)); err != nil {
		return err
	}
	buf := body.Encode()
	n, err := c.conn.Write(buf)
	c.stats.Update(uint32(n))
	if m := c.handler.Metrics; m != nil {
		m.BytesSent.Add(float64(n))
	}
	return err
}

// respondWithError writes a header-only response carrying the error
// status and no body.
func (c *connection) respondWithError(e *errs.Error) {
	if m := c.handler.Metrics; m != nil {
		m.RequestErrors.WithLabelValues(e.Status.String()).Inc()
	}
	hdr := errHeader(e.Status)
	_ = c.respondWithHeader(hdr)
}

// stop shuts the socket. Closing an already-closed net.Conn is safe,
// and stop is in any case only invoked once per connection via serve's
// defer.
func (c *connection) stop() {
	_ = c.conn.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
