package query

import "errors"

var errShortQueryBuffer = errors.New("query: buffer shorter than n*8 bytes")
