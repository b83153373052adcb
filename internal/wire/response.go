package wire

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
)

// ResponseHeader is the parsed form of the response wire header.
//
//	status_code \t server_version \t cols \t rows \t n_bytes \n
type ResponseHeader struct {
	Status  errs.StatusCode
	Version string
	Cols    uint32
	Rows    uint32
	NBytes  uint32
}

func (h ResponseHeader) Error() bool { return h.Status != errs.StatusOK }

func (h ResponseHeader) String() string {
	return fmt.Sprintf("%d\t%s\t%d\t%d\t%d", h.Status, h.Version, h.Cols, h.Rows, h.NBytes)
}

// ComposeResponse renders the response header, failing if it would
// exceed ResponseHeaderMaxBytes.
func ComposeResponse(h ResponseHeader) ([]byte, error) {
	line := h.String() + "\n"
	if len(line) > ResponseHeaderMaxBytes {
		return nil, errs.ErrBadRequest
	}
	return []byte(line), nil
}

// ParseResponseLine parses one newline-terminated header line into a
// ResponseHeader.
func ParseResponseLine(line string) (ResponseHeader, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 5 {
		return ResponseHeader{}, errs.ErrBadRequest
	}
	statusVal, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return ResponseHeader{}, errs.ErrBadRequest
	}
	cols, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return ResponseHeader{}, errs.ErrBadRequest
	}
	rows, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return ResponseHeader{}, errs.ErrBadRequest
	}
	nBytes, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return ResponseHeader{}, errs.ErrBadRequest
	}
	return ResponseHeader{
		Status:  errs.StatusCode(statusVal),
		Version: fields[1],
		Cols:    uint32(cols),
		Rows:    uint32(rows),
		NBytes:  uint32(nBytes),
	}, nil
}

// ReadResponse reads one '\n'-terminated header from r and parses it.
func ReadResponse(r *bufio.Reader) (ResponseHeader, error) {
	line, err := readBoundedLine(r, ResponseHeaderMaxBytes)
	if err != nil {
		return ResponseHeader{}, err
	}
	return ParseResponseLine(line)
}
