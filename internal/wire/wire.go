// Package wire implements the line-based text protocol spoken by
// aggregation clients: an HTTP-shaped request line plus headers, with
// Lamport clock values carried in a query parameter (GET) or a
// Lamport-Clock header (PUT), and length-prefixed JSON bodies.
//
// The protocol is deliberately not HTTP; it is parsed by an explicit
// line-oriented state machine (request line, then headers, then an exact
// Content-Length body for PUT) with explicit error states instead of a
// general-purpose HTTP stack.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op identifies the requested operation.
type Op string

// Supported operations.
const (
	OpGet Op = "GET"
	OpPut Op = "PUT"
)

// Paths accepted on the request line.
const (
	GetPath = "/weather_data.json"
	PutPath = "/weather.json"
)

// Header names used by the protocol.
const (
	HeaderLamportClock  = "Lamport-Clock"
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"
)

// ContentTypeJSON is the only content type the server emits.
const ContentTypeJSON = "application/json"

// Status codes answered by the server.
const (
	StatusOK             = 200
	StatusCreated        = 201
	StatusBadRequest     = 400
	StatusNotFound       = 404
	StatusRequestTimeout = 408
	StatusInternalError  = 500
)

// ReasonPhrase returns the status line reason for code.
func ReasonPhrase(code int) string {
	switch code {
	case StatusOK:
		return "OK"
	case StatusCreated:
		return "Created"
	case StatusBadRequest:
		return "Bad Request"
	case StatusNotFound:
		return "Not Found"
	case StatusRequestTimeout:
		return "Request Timeout"
	case StatusInternalError:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

// ErrBadRequest classifies protocol violations that are answered with 400
// while the connection stays open for the next exchange.
var ErrBadRequest = errors.New("wire: bad request")

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Request is one parsed inbound exchange.
type Request struct {
	Op      Op
	Station string
	Clock   uint64
	Payload []byte
}

// Response is one outbound exchange.
type Response struct {
	Status int
	Clock  uint64
	Body   []byte
}

func parseRequestLine(line string) (Op, string, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", badRequestf("short request line %q", line)
	}
	switch fields[0] {
	case string(OpGet):
		return OpGet, fields[1], nil
	case string(OpPut):
		return OpPut, fields[1], nil
	default:
		return "", "", badRequestf("unknown method %q", fields[0])
	}
}

func parseGetTarget(target string) (station string, clock uint64, err error) {
	path, query, ok := strings.Cut(target, "?")
	if !ok || path != GetPath {
		return "", 0, badRequestf("unsupported GET target %q", target)
	}
	var haveStation, haveClock bool
	for _, param := range strings.Split(query, "&") {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		switch key {
		case "station-id":
			station = value
			haveStation = station != ""
		case "lamport-clock":
			clock, err = strconv.ParseUint(value, 10, 64)
			if err != nil {
				return "", 0, badRequestf("non-numeric lamport-clock %q", value)
			}
			haveClock = true
		}
	}
	if !haveStation || !haveClock {
		return "", 0, badRequestf("GET query missing station-id or lamport-clock")
	}
	return station, clock, nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", badRequestf("malformed header line %q", line)
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), nil
}
